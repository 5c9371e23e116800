package dns

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/OmgRod/PiBlock/pkg/policy"
	"github.com/OmgRod/PiBlock/pkg/state"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream records forwarded queries and answers with reply or err.
type fakeUpstream struct {
	mu      sync.Mutex
	reply   []byte
	err     error
	queries [][]byte
}

func (f *fakeUpstream) Forward(_ context.Context, query []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, append([]byte(nil), query...))
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeUpstream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func newTestHandler(t *testing.T, up Upstream) *Handler {
	t.Helper()
	st := state.New("127.0.0.1:53", t.TempDir(), nil)
	st.Blocklist.Replace([]string{"ads.example.com", "*.tracker.net"})
	return NewHandler(st, up, nil, nil)
}

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	wire, err := m.Pack()
	require.NoError(t, err)
	return wire
}

func unpack(t *testing.T, wire []byte) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(wire))
	return m
}

func TestHandleModes(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		blockIP   string
		wantRcode int
		wantIP    string
	}{
		{name: "null", mode: "null", wantRcode: dns.RcodeSuccess, wantIP: "0.0.0.0"},
		{name: "redirect", mode: "redirect", blockIP: "10.0.0.1", wantRcode: dns.RcodeSuccess, wantIP: "10.0.0.1"},
		{name: "redirect without target", mode: "redirect", wantRcode: dns.RcodeNameError},
		{name: "nx", mode: "nx", wantRcode: dns.RcodeNameError},
		{name: "unknown", mode: "sinkhole", wantRcode: dns.RcodeNameError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			h := newTestHandler(t, up)
			_, err := h.State.SetMode(tt.mode, tt.blockIP)
			require.NoError(t, err)

			query := packQuery(t, "ads.example.com", dns.TypeA)
			reply, out := h.Handle(context.Background(), query)
			require.NotNil(t, reply)

			assert.Equal(t, ActionBlocked, out.Action)
			assert.Equal(t, tt.wantRcode, out.Rcode)
			assert.Equal(t, 0, up.count(), "blocked queries must not reach the upstream")

			req := unpack(t, query)
			resp := unpack(t, reply)
			assert.Equal(t, req.Id, resp.Id)
			assert.True(t, resp.Response)
			assert.Equal(t, tt.wantRcode, resp.Rcode)
			require.Len(t, resp.Question, 1)
			assert.Equal(t, "ads.example.com.", resp.Question[0].Name)

			if tt.wantIP == "" {
				assert.Empty(t, resp.Answer)
				return
			}
			require.Len(t, resp.Answer, 1)
			a := resp.Answer[0].(*dns.A)
			assert.Equal(t, tt.wantIP, a.A.String())
			assert.Equal(t, uint32(policy.BlockTTL), a.Hdr.Ttl)
		})
	}
}

func TestHandleRedirectWithInvalidTarget(t *testing.T) {
	up := &fakeUpstream{}
	h := newTestHandler(t, up)
	_, err := h.State.SetMode("null", "")
	require.NoError(t, err)

	_, err = h.State.SetMode("redirect", "not-an-ip")
	require.ErrorIs(t, err, state.ErrInvalidRedirectTarget)

	reply, out := h.Handle(context.Background(), packQuery(t, "ads.example.com", dns.TypeA))
	require.NotNil(t, reply)
	assert.Equal(t, policy.ModeRedirect, out.Mode)

	resp := unpack(t, reply)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestHandleBlockingCoverage(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		blocked bool
	}{
		{"exact", "ads.example.com", true},
		{"suffix subdomain", "sub.tracker.net", true},
		{"suffix bare domain", "tracker.net", true},
		{"unlisted", "example.com", false},
		{"case insensitive", "ADS.EXAMPLE.COM", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{reply: []byte{1, 2, 3}}
			h := newTestHandler(t, up)

			_, out := h.Handle(context.Background(), packQuery(t, tt.domain, dns.TypeA))
			if tt.blocked {
				assert.Equal(t, ActionBlocked, out.Action)
				assert.Equal(t, 0, up.count())
			} else {
				assert.Equal(t, ActionForwarded, out.Action)
				assert.Equal(t, 1, up.count())
			}
		})
	}
}

func TestHandleForwardsOriginalBytes(t *testing.T) {
	upstreamReply := []byte{0x12, 0x34, 0x81, 0x80, 0xff, 0xee}
	up := &fakeUpstream{reply: upstreamReply}
	h := newTestHandler(t, up)

	query := packQuery(t, "example.com", dns.TypeAAAA)
	reply, out := h.Handle(context.Background(), query)

	assert.Equal(t, ActionForwarded, out.Action)
	assert.Equal(t, upstreamReply, reply)
	require.Equal(t, 1, up.count())
	assert.Equal(t, query, up.queries[0])
}

func TestHandleDiscardsMalformedPackets(t *testing.T) {
	up := &fakeUpstream{reply: []byte{1}}
	h := newTestHandler(t, up)

	for _, packet := range [][]byte{nil, {0x01}, {0xde, 0xad, 0xbe, 0xef, 0x00}} {
		reply, out := h.Handle(context.Background(), packet)
		assert.Nil(t, reply)
		assert.Equal(t, ActionDiscarded, out.Action)
	}

	assert.Equal(t, state.Stats{}, h.State.Stats())
	assert.Equal(t, 0, up.count())
}

func TestHandleNoQuestionIsForwarded(t *testing.T) {
	up := &fakeUpstream{reply: []byte{9, 9}}
	h := newTestHandler(t, up)

	m := new(dns.Msg)
	m.Id = 42
	query, err := m.Pack()
	require.NoError(t, err)

	reply, out := h.Handle(context.Background(), query)

	assert.Equal(t, ActionForwarded, out.Action)
	assert.Equal(t, []byte{9, 9}, reply)
	assert.Equal(t, query, up.queries[0])
	assert.Equal(t, uint64(1), h.State.Stats().Queries)
	assert.Equal(t, uint64(0), h.State.Stats().Blocked)
}

func TestHandleUpstreamFailure(t *testing.T) {
	up := &fakeUpstream{err: errors.New("timeout")}
	h := newTestHandler(t, up)

	reply, out := h.Handle(context.Background(), packQuery(t, "example.com", dns.TypeA))

	assert.Nil(t, reply)
	assert.Equal(t, ActionUpstreamFailed, out.Action)
	assert.Equal(t, uint64(1), h.State.Stats().Queries)
}

func TestHandleCounters(t *testing.T) {
	up := &fakeUpstream{reply: []byte{1}}
	h := newTestHandler(t, up)

	domains := []string{
		"ads.example.com", "example.com", "x.tracker.net",
		"google.com", "tracker.net", "example.org",
	}
	for _, d := range domains {
		h.Handle(context.Background(), packQuery(t, d, dns.TypeA))
	}
	h.Handle(context.Background(), []byte{0x00})

	stats := h.State.Stats()
	assert.Equal(t, uint64(len(domains)), stats.Queries)
	assert.Equal(t, uint64(3), stats.Blocked)
}

func TestHandleSeesLiveUpdates(t *testing.T) {
	up := &fakeUpstream{reply: []byte{1}}
	h := newTestHandler(t, up)
	query := packQuery(t, "new.example.org", dns.TypeA)

	_, out := h.Handle(context.Background(), query)
	assert.Equal(t, ActionForwarded, out.Action)

	_, err := h.State.AddPattern("new.example.org")
	require.NoError(t, err)
	_, out = h.Handle(context.Background(), query)
	assert.Equal(t, ActionBlocked, out.Action)

	_, err = h.State.RemovePattern("new.example.org")
	require.NoError(t, err)
	_, out = h.Handle(context.Background(), query)
	assert.Equal(t, ActionForwarded, out.Action)
}

func TestHandleFirstQuestionOnly(t *testing.T) {
	up := &fakeUpstream{reply: []byte{1}}
	h := newTestHandler(t, up)
	_, err := h.State.SetMode("null", "")
	require.NoError(t, err)

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Question = append(m.Question, dns.Question{Name: "ads.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	query, err := m.Pack()
	require.NoError(t, err)

	_, out := h.Handle(context.Background(), query)
	assert.Equal(t, ActionForwarded, out.Action)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "discarded", ActionDiscarded.String())
	assert.Equal(t, "blocked", ActionBlocked.String())
	assert.Equal(t, "forwarded", ActionForwarded.String())
	assert.Equal(t, "upstream_failed", ActionUpstreamFailed.String())
	assert.Equal(t, "failed", ActionFailed.String())
	assert.Equal(t, "unknown", Action(99).String())
}

func TestDNSTypeLabel(t *testing.T) {
	assert.Equal(t, "A", dnsTypeLabel(dns.TypeA))
	assert.Equal(t, "AAAA", dnsTypeLabel(dns.TypeAAAA))
	assert.Equal(t, "TYPE65000", dnsTypeLabel(65000))
}
