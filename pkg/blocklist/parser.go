package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/OmgRod/PiBlock/pkg/logging"
	"github.com/OmgRod/PiBlock/pkg/pattern"
)

// FileGlob selects the blocklist files inside the source directory.
const FileGlob = "*.txt"

// Parse reads one blocklist file and adds its patterns to into. It returns
// the number of accepted lines (duplicates included).
//
// Supported line formats:
//   - 0.0.0.0 ads.example.com (hosts style, the last field is the domain)
//   - ads.example.com, *.tracker.net, ads.* (plain pattern)
//
// Blank lines and lines starting with '#' are skipped.
func Parse(r io.Reader, into map[string]struct{}) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	accepted := 0

	for scanner.Scan() {
		domain := extractDomain(scanner.Text())
		if domain == "" {
			continue
		}
		into[domain] = struct{}{}
		accepted++
	}

	if err := scanner.Err(); err != nil {
		return accepted, fmt.Errorf("error reading blocklist: %w", err)
	}
	return accepted, nil
}

// extractDomain returns the normalized pattern on line, or "" when the line
// carries none.
func extractDomain(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}

	// Any Unicode whitespace splits a hosts-style line.
	fields := strings.Fields(line)
	return pattern.Normalize(fields[len(fields)-1])
}

// LoadDir parses every FileGlob file in dir into a fresh set. A directory
// that is missing or holds no matching files yields an empty set; only a
// malformed dir (bad glob syntax) is an error. Unreadable files are skipped.
func LoadDir(dir string, logger *logging.Logger) (map[string]struct{}, error) {
	paths, err := filepath.Glob(filepath.Join(dir, FileGlob))
	if err != nil {
		return nil, fmt.Errorf("invalid blocklist directory %q: %w", dir, err)
	}

	set := make(map[string]struct{})
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			logger.Warn("Skipping unreadable blocklist file", "path", path, "error", err)
			continue
		}
		lines, err := Parse(f, set)
		_ = f.Close()
		if err != nil {
			logger.Warn("Blocklist file partially read", "path", path, "lines", lines, "error", err)
			continue
		}
		logger.Debug("Parsed blocklist file", "path", path, "lines", lines)
	}

	return set, nil
}
