package blocklist

import (
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OmgRod/PiBlock/pkg/logging"
	"github.com/OmgRod/PiBlock/pkg/pattern"
)

// Store is the shared blocklist pattern set. The current set is immutable
// and published through an atomic pointer, so readers never take a lock.
// Writers are serialized by mu and always publish a fresh map: a reload
// builds it off-lock, add and remove copy the current one.
type Store struct {
	mu          sync.Mutex
	patterns    atomic.Pointer[map[string]struct{}]
	lastUpdated atomic.Int64

	logger   *logging.Logger
	onChange func(size int)
}

// NewStore creates an empty store.
func NewStore(logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Store{logger: logger}
	s.publish(make(map[string]struct{}), false)
	return s
}

// OnChange registers a callback receiving the set size after every
// mutation. It must be set before the store is shared. The callback runs
// under the writer lock, so calls arrive in publication order; it must not
// mutate the store.
func (s *Store) OnChange(fn func(size int)) {
	s.onChange = fn
}

// Reload replaces the whole set with the patterns parsed from dir and
// returns the new size. On error the current set is kept.
func (s *Store) Reload(dir string) (int, error) {
	startTime := time.Now()

	set, err := LoadDir(dir, s.logger)
	if err != nil {
		return 0, err
	}
	newSize := len(set)

	s.mu.Lock()
	oldSize := len(s.current())
	s.publish(set, true)
	s.notify(newSize)
	s.mu.Unlock()

	s.logger.Info("Blocklist reloaded",
		"dir", dir,
		"total_patterns", newSize,
		"delta", newSize-oldSize,
		"duration", time.Since(startTime))

	return newSize, nil
}

// Replace swaps in patterns verbatim after normalizing them. Used when the
// patterns do not come from a directory (tests, embedders).
func (s *Store) Replace(patterns []string) int {
	set := make(map[string]struct{}, len(patterns))
	for _, raw := range patterns {
		if p := pattern.Normalize(raw); p != "" {
			set[p] = struct{}{}
		}
	}

	s.mu.Lock()
	s.publish(set, true)
	s.notify(len(set))
	s.mu.Unlock()

	return len(set)
}

// Add inserts p with upsert semantics and returns true. The only refusal is
// a pattern that normalizes to the empty string.
func (s *Store) Add(p string) bool {
	p = pattern.Normalize(p)
	if p == "" {
		return false
	}

	s.mu.Lock()
	next := maps.Clone(s.current())
	next[p] = struct{}{}
	s.publish(next, false)
	s.notify(len(next))
	s.mu.Unlock()

	return true
}

// Remove deletes p and reports whether it was present.
func (s *Store) Remove(p string) bool {
	p = pattern.Normalize(p)

	s.mu.Lock()
	cur := s.current()
	_, existed := cur[p]
	if existed {
		next := maps.Clone(cur)
		delete(next, p)
		s.publish(next, false)
		s.notify(len(next))
	}
	s.mu.Unlock()

	return existed
}

// Snapshot returns the current set. Later mutations never touch it, so it
// can be used without locking; callers must not modify it.
func (s *Store) Snapshot() map[string]struct{} {
	return s.current()
}

// IsBlocked classifies name against a fresh snapshot.
func (s *Store) IsBlocked(name string) bool {
	return pattern.Classify(name, s.Snapshot())
}

// Patterns returns the current patterns in lexical order.
func (s *Store) Patterns() []string {
	cur := s.current()
	out := make([]string, 0, len(cur))
	for p := range cur {
		out = append(out, p)
	}

	sort.Strings(out)
	return out
}

// Len returns the number of patterns.
func (s *Store) Len() int {
	return len(s.current())
}

// LastUpdated returns when the set was last replaced wholesale.
func (s *Store) LastUpdated() time.Time {
	ns := s.lastUpdated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Store) current() map[string]struct{} {
	return *s.patterns.Load()
}

// publish installs set as the current set. Callers hold mu, except NewStore.
func (s *Store) publish(set map[string]struct{}, wholesale bool) {
	s.patterns.Store(&set)
	if wholesale {
		s.lastUpdated.Store(time.Now().UnixNano())
	}
}

// notify reports size to the OnChange callback. Callers hold mu.
func (s *Store) notify(size int) {
	if s.onChange != nil {
		s.onChange(size)
	}
}
