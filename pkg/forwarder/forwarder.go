// Package forwarder relays raw DNS queries to the upstream resolver.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OmgRod/PiBlock/pkg/logging"

	"github.com/miekg/dns"
)

// DefaultTimeout bounds the wait for the upstream reply.
const DefaultTimeout = 3 * time.Second

// ErrEmptyQuery is returned when Forward is called with no bytes.
var ErrEmptyQuery = errors.New("empty query")

// Forwarder sends queries to a single upstream over UDP. Every call uses its
// own ephemeral socket, so concurrent calls never see each other's replies.
// The query and the reply are relayed byte for byte.
type Forwarder struct {
	upstream string
	timeout  time.Duration
	client   *dns.Client
	logger   *logging.Logger
}

// New creates a forwarder for upstream ("host:port").
func New(upstream string, timeout time.Duration, logger *logging.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	f := &Forwarder{
		upstream: upstream,
		timeout:  timeout,
		client: &dns.Client{
			Net:         "udp",
			DialTimeout: timeout,
		},
		logger: logger,
	}

	logger.Info("Forwarder initialized", "upstream", upstream, "timeout", timeout)
	return f
}

// Upstream returns the upstream address.
func (f *Forwarder) Upstream() string {
	return f.upstream
}

// Forward writes query to the upstream and returns the first datagram it
// sends back, unmodified. It gives up after the forwarder timeout or when
// ctx is done, whichever comes first.
func (f *Forwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) == 0 {
		return nil, ErrEmptyQuery
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	conn, err := f.client.DialContext(ctx, f.upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream %s: %w", f.upstream, err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set upstream deadline: %w", err)
	}

	start := time.Now()
	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("failed to send to upstream %s: %w", f.upstream, err)
	}

	buf := make([]byte, dns.DefaultMsgSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("no reply from upstream %s: %w", f.upstream, err)
	}

	f.logger.Debug("Upstream replied", "upstream", f.upstream, "bytes", n, "rtt", time.Since(start))
	return buf[:n], nil
}
