// Package state holds the mutable state shared by every request pipeline and
// the control plane: the blocklist, the blocking policy and the counters.
package state

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/OmgRod/PiBlock/pkg/blocklist"
	"github.com/OmgRod/PiBlock/pkg/logging"
	"github.com/OmgRod/PiBlock/pkg/pattern"
	"github.com/OmgRod/PiBlock/pkg/policy"
)

var (
	// ErrInvalidRedirectTarget reports a redirect target that is not an IPv4
	// address. The mode change it accompanies has still been applied.
	ErrInvalidRedirectTarget = errors.New("block_ip must be an IPv4 address")
	// ErrEmptyPattern is returned when a blocklist pattern is empty after trimming.
	ErrEmptyPattern = errors.New("missing pattern")
)

// Policy is a consistent view of the blocking mode and redirect target.
type Policy struct {
	Mode   policy.Mode
	Target net.IP
}

// Stats are the request counters.
type Stats struct {
	Queries uint64 `json:"queries"`
	Blocked uint64 `json:"blocked"`
}

// State is shared by reference between the receive loop, every pipeline and
// the control plane. Each field group has its own lock so that readers of
// one never wait on writers of another.
type State struct {
	Blocklist *blocklist.Store

	upstream     string
	blocklistDir string

	policyMu sync.RWMutex
	mode     policy.Mode
	target   net.IP

	queries atomic.Uint64
	blocked atomic.Uint64

	logger *logging.Logger
}

// New creates the state for a server forwarding to upstream and loading
// blocklists from blocklistDir. The mode starts as nx.
func New(upstream, blocklistDir string, logger *logging.Logger) *State {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &State{
		Blocklist:    blocklist.NewStore(logger.WithComponent("blocklist")),
		upstream:     upstream,
		blocklistDir: blocklistDir,
		mode:         policy.ModeNX,
		logger:       logger,
	}
}

// Upstream returns the resolver address non-blocked queries go to.
func (s *State) Upstream() string {
	return s.upstream
}

// BlocklistDir returns the directory Reload reads from.
func (s *State) BlocklistDir() string {
	return s.blocklistDir
}

// Reload replaces the blocklist with the contents of the blocklist directory.
func (s *State) Reload() (int, error) {
	return s.Blocklist.Reload(s.blocklistDir)
}

// AddPattern normalizes and inserts p.
func (s *State) AddPattern(p string) (string, error) {
	p = pattern.Normalize(p)
	if p == "" {
		return "", ErrEmptyPattern
	}
	s.Blocklist.Add(p)
	return p, nil
}

// RemovePattern deletes p and reports whether it was present.
func (s *State) RemovePattern(p string) (bool, error) {
	p = pattern.Normalize(p)
	if p == "" {
		return false, ErrEmptyPattern
	}
	return s.Blocklist.Remove(p), nil
}

// SetMode applies a new blocking mode. Unknown modes are stored as nx. The
// redirect target is only touched when the mode is redirect and blockIP is
// non-empty.
//
// The mode is always applied. A blockIP that is not an IPv4 address clears
// the target, so blocked queries get NXDOMAIN until a valid one is set, and
// SetMode reports it with ErrInvalidRedirectTarget.
func (s *State) SetMode(mode, blockIP string) (policy.Mode, error) {
	m := policy.ParseMode(mode)
	blockIP = strings.TrimSpace(blockIP)

	var (
		target    net.IP
		targetErr error
	)
	setTarget := m == policy.ModeRedirect && blockIP != ""
	if setTarget {
		target = net.ParseIP(blockIP).To4()
		if target == nil {
			targetErr = fmt.Errorf("%w: %q", ErrInvalidRedirectTarget, blockIP)
		}
	}

	s.policyMu.Lock()
	s.mode = m
	if setTarget {
		s.target = target
	}
	s.policyMu.Unlock()

	if targetErr != nil {
		s.logger.Warn("Blocking mode updated without a usable redirect target", "mode", m, "block_ip", blockIP)
		return m, targetErr
	}
	s.logger.Info("Blocking mode updated", "mode", m, "block_ip", blockIP)
	return m, nil
}

// Policy returns the current mode and target as one consistent pair.
func (s *State) Policy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return Policy{Mode: s.mode, Target: s.target}
}

// IncQueries counts one decoded query.
func (s *State) IncQueries() {
	s.queries.Add(1)
}

// IncBlocked counts one blocked query.
func (s *State) IncBlocked() {
	s.blocked.Add(1)
}

// Stats returns the counters. The two values are read independently.
func (s *State) Stats() Stats {
	return Stats{
		Queries: s.queries.Load(),
		Blocked: s.blocked.Load(),
	}
}
