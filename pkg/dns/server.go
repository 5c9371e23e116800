package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/OmgRod/PiBlock/pkg/logging"

	"github.com/miekg/dns"
)

// Server owns the UDP receive loop. Every datagram gets its own goroutine
// running the Handler, and the reply goes back to the datagram's sender
// through the same socket.
type Server struct {
	handler  *Handler
	logger   *logging.Logger
	inflight sync.WaitGroup
}

// NewServer creates a server dispatching to handler.
func NewServer(handler *Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		handler: handler,
		logger:  logger,
	}
}

// Listen binds the UDP socket. Bind errors surface here, before any
// goroutine is started.
func Listen(addr string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP %s: %w", addr, err)
	}
	return conn, nil
}

// Serve reads datagrams from conn until ctx is cancelled or the socket is
// closed, then closes conn and returns nil. Packets already dispatched keep
// running to completion; their replies are dropped once the socket is gone.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	// Pipelines outlive the listener.
	pipelineCtx := context.WithoutCancel(ctx)

	s.logger.Info("DNS UDP listening", "address", conn.LocalAddr().String())

	buf := make([]byte, dns.DefaultMsgSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("DNS UDP listener stopped", "address", conn.LocalAddr().String())
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("UDP receive failed: %w", err)
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		s.inflight.Add(1)
		go s.servePacket(pipelineCtx, conn, addr, packet)
	}
}

func (s *Server) servePacket(ctx context.Context, conn net.PacketConn, addr net.Addr, packet []byte) {
	defer s.inflight.Done()

	metrics := s.handler.Metrics
	metrics.ActivePipelines.Add(ctx, 1)
	defer metrics.ActivePipelines.Add(ctx, -1)

	reply, out := s.handler.Handle(ctx, packet)

	if out.Action != ActionDiscarded {
		s.logger.Debug("DNS query",
			"client", addr.String(),
			"domain", out.Domain,
			"type", dnsTypeLabel(out.QType),
			"action", out.Action.String(),
			"mode", out.Mode.String(),
			"duration", out.Duration,
		)
	}

	if reply == nil {
		return
	}
	if _, err := conn.WriteTo(reply, addr); err != nil {
		s.logger.Debug("Failed to send reply", "client", addr.String(), "error", err)
	}
}

// Wait blocks until every dispatched packet has been handled. Call it only
// after Serve has returned.
func (s *Server) Wait() {
	s.inflight.Wait()
}
