// Package pattern classifies domain names against blocklist patterns.
// It supports three kinds of patterns:
//   - Exact: example.com
//   - Suffix wildcard: *.example.com (also matches example.com itself)
//   - Prefix wildcard: example.*
package pattern

import (
	"fmt"
	"strings"
)

// Kind represents the kind of blocklist pattern.
type Kind int

const (
	// KindExact matches one domain name (e.g., example.com)
	KindExact Kind = iota
	// KindSuffix matches every name ending with the text after "*." (e.g., *.example.com)
	KindSuffix
	// KindPrefix matches every name starting with the text before ".*" (e.g., example.*)
	KindPrefix
)

const (
	suffixMarker = "*."
	prefixMarker = ".*"
)

// String returns a human-readable name for the pattern kind.
func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindSuffix:
		return "suffix"
	case KindPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Pattern is a normalized blocklist entry.
type Pattern struct {
	Raw  string // normalized pattern text, as stored in the blocklist
	Kind Kind
}

// Normalize trims and lowercases a raw pattern.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizeName prepares a queried name for classification: the trailing
// root label separator is removed and the name is lowercased.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Parse normalizes raw and determines its kind.
func Parse(raw string) (Pattern, error) {
	p := Normalize(raw)
	if p == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	return Pattern{Raw: p, Kind: kindOf(p)}, nil
}

func kindOf(p string) Kind {
	switch {
	case strings.HasPrefix(p, suffixMarker):
		return KindSuffix
	case strings.HasSuffix(p, prefixMarker):
		return KindPrefix
	default:
		return KindExact
	}
}

// Match reports whether an already normalized name matches this pattern.
func (p Pattern) Match(name string) bool {
	switch p.Kind {
	case KindSuffix:
		// *.tracker.net matches tracker.net as well as its subdomains.
		return strings.HasSuffix(name, p.Raw[len(suffixMarker):])
	case KindPrefix:
		return strings.HasPrefix(name, p.Raw[:len(p.Raw)-len(prefixMarker)])
	default:
		return name == p.Raw
	}
}

// String returns a string representation of the pattern.
func (p Pattern) String() string {
	return fmt.Sprintf("%s(%s)", p.Kind, p.Raw)
}

// Classify reports whether name is blocked by any pattern in set.
//
// Exact membership is checked first; otherwise every pattern is scanned and
// the first wildcard hit wins. The answer does not depend on map iteration
// order. Cost is linear in the size of set.
func Classify(name string, set map[string]struct{}) bool {
	name = NormalizeName(name)
	if _, ok := set[name]; ok {
		return true
	}

	for raw := range set {
		switch kindOf(raw) {
		case KindSuffix:
			if strings.HasSuffix(name, raw[len(suffixMarker):]) {
				return true
			}
		case KindPrefix:
			if strings.HasPrefix(name, raw[:len(raw)-len(prefixMarker)]) {
				return true
			}
		}
	}

	return false
}

// Stats counts the patterns of each kind in set.
func Stats(set map[string]struct{}) map[string]int {
	stats := map[string]int{
		KindExact.String():  0,
		KindSuffix.String(): 0,
		KindPrefix.String(): 0,
	}
	for raw := range set {
		stats[kindOf(raw).String()]++
	}
	stats["total"] = len(set)
	return stats
}
