package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/OmgRod/PiBlock/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubUpstream answers every datagram with reply and records what it got.
func stubUpstream(t *testing.T, reply []byte) (string, <-chan []byte) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	received := make(chan []byte, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			received <- append([]byte(nil), buf[:n]...)
			_, _ = pc.WriteTo(reply, addr)
		}
	}()

	return pc.LocalAddr().String(), received
}

// silentUpstream reads queries and never answers.
func silentUpstream(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, _, err := pc.ReadFrom(buf); err != nil {
				return
			}
		}
	}()

	return pc.LocalAddr().String()
}

func packedQuery(t *testing.T, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	wire, err := m.Pack()
	require.NoError(t, err)
	return wire
}

func TestForwardRelaysBytesUnchanged(t *testing.T) {
	// Not a valid DNS message on purpose: the forwarder must not parse it.
	reply := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x02, 0x03}
	addr, received := stubUpstream(t, reply)

	f := New(addr, time.Second, logging.NewNop())
	query := packedQuery(t, "example.com")

	got, err := f.Forward(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, reply, got)

	select {
	case sent := <-received:
		assert.Equal(t, query, sent)
	case <-time.After(time.Second):
		t.Fatal("upstream never received the query")
	}
}

func TestForwardTimesOut(t *testing.T) {
	addr := silentUpstream(t)
	f := New(addr, 150*time.Millisecond, logging.NewNop())

	start := time.Now()
	got, err := f.Forward(context.Background(), packedQuery(t, "example.com"))

	assert.Error(t, err)
	assert.Nil(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestForwardRespectsContext(t *testing.T) {
	addr := silentUpstream(t)
	f := New(addr, 5*time.Second, logging.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Forward(ctx, packedQuery(t, "example.com"))

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForwardEmptyQuery(t *testing.T) {
	f := New("127.0.0.1:1", time.Second, nil)

	_, err := f.Forward(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestNewDefaults(t *testing.T) {
	f := New("1.1.1.1:53", 0, nil)

	assert.Equal(t, "1.1.1.1:53", f.Upstream())
	assert.Equal(t, DefaultTimeout, f.timeout)
}

func TestForwardConcurrentCallsAreIsolated(t *testing.T) {
	// An echo upstream: each caller must get back exactly its own query.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(buf[:n], addr)
		}
	}()

	f := New(pc.LocalAddr().String(), time.Second, nil)

	names := []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"}
	errs := make(chan error, len(names))
	for _, name := range names {
		q := packedQuery(t, name)
		go func() {
			got, err := f.Forward(context.Background(), q)
			if err == nil && string(got) != string(q) {
				err = assert.AnError
			}
			errs <- err
		}()
	}

	for range names {
		assert.NoError(t, <-errs)
	}
}
