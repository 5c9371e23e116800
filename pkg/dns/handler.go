// Package dns contains the per-packet request pipeline and the UDP server
// that feeds it.
package dns

import (
	"context"
	"strconv"
	"time"

	"github.com/OmgRod/PiBlock/pkg/logging"
	"github.com/OmgRod/PiBlock/pkg/pattern"
	"github.com/OmgRod/PiBlock/pkg/policy"
	"github.com/OmgRod/PiBlock/pkg/state"
	"github.com/OmgRod/PiBlock/pkg/telemetry"

	"github.com/miekg/dns"
)

// Upstream relays a raw query and returns the raw reply.
type Upstream interface {
	Forward(ctx context.Context, query []byte) ([]byte, error)
}

// Action is what the pipeline did with a packet.
type Action int

const (
	// ActionDiscarded means the packet could not be decoded; nothing is sent.
	ActionDiscarded Action = iota
	// ActionBlocked means a synthetic response was produced.
	ActionBlocked
	// ActionForwarded means the upstream reply is relayed.
	ActionForwarded
	// ActionUpstreamFailed means the query was forwarded but no reply came back.
	ActionUpstreamFailed
	// ActionFailed means a blocked response could not be encoded.
	ActionFailed
)

func (a Action) String() string {
	switch a {
	case ActionDiscarded:
		return "discarded"
	case ActionBlocked:
		return "blocked"
	case ActionForwarded:
		return "forwarded"
	case ActionUpstreamFailed:
		return "upstream_failed"
	case ActionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome describes how one packet was handled.
type Outcome struct {
	Action   Action
	Domain   string
	QType    uint16
	Mode     policy.Mode // set when blocked
	Rcode    int         // set when blocked
	Duration time.Duration
}

// Handler runs the request pipeline:
//
//	decode -> classify -> synthesize or forward -> reply
//
// It never touches the network socket the query arrived on; the caller
// sends the returned bytes.
type Handler struct {
	State    *state.State
	Upstream Upstream
	Metrics  *telemetry.Metrics
	Logger   *logging.Logger
}

// NewHandler creates a pipeline over st forwarding through up.
func NewHandler(st *state.State, up Upstream, metrics *telemetry.Metrics, logger *logging.Logger) *Handler {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		State:    st,
		Upstream: up,
		Metrics:  metrics,
		Logger:   logger,
	}
}

// Handle processes one datagram. A nil reply means nothing must be sent.
func (h *Handler) Handle(ctx context.Context, packet []byte) (reply []byte, out Outcome) {
	startTime := time.Now()
	defer func() {
		out.Duration = time.Since(startTime)
		h.recordDuration(ctx, out)
	}()

	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		out.Action = ActionDiscarded
		h.Metrics.DiscardedPackets.Add(ctx, 1)
		h.Logger.Debug("Discarding undecodable packet", "bytes", len(packet), "error", err)
		return nil, out
	}

	h.State.IncQueries()

	// Without a question there is nothing to classify.
	if len(req.Question) == 0 {
		h.recordQuery(ctx, "")
		reply = h.forward(ctx, packet, &out)
		return reply, out
	}

	question := req.Question[0]
	out.Domain = question.Name
	out.QType = question.Qtype
	h.recordQuery(ctx, dnsTypeLabel(question.Qtype))

	if !pattern.Classify(question.Name, h.State.Blocklist.Snapshot()) {
		reply = h.forward(ctx, packet, &out)
		return reply, out
	}

	h.State.IncBlocked()
	reply = h.block(ctx, req, &out)
	return reply, out
}

func (h *Handler) block(ctx context.Context, req *dns.Msg, out *Outcome) []byte {
	pol := h.State.Policy()
	out.Mode = pol.Mode

	resp := policy.Synthesize(req, pol.Mode, pol.Target)
	out.Rcode = resp.Rcode
	h.recordBlockedQuery(ctx, pol.Mode, dnsTypeLabel(out.QType))

	wire, err := resp.Pack()
	if err != nil {
		out.Action = ActionFailed
		h.Logger.Warn("Failed to encode blocked response", "domain", out.Domain, "error", err)
		return nil
	}

	out.Action = ActionBlocked
	return wire
}

// forward relays the original bytes, not a re-encoding of the decoded message.
func (h *Handler) forward(ctx context.Context, packet []byte, out *Outcome) []byte {
	h.Metrics.ForwardedQueries.Add(ctx, 1)

	reply, err := h.Upstream.Forward(ctx, packet)
	if err != nil {
		out.Action = ActionUpstreamFailed
		h.Metrics.UpstreamFailures.Add(ctx, 1)
		h.Logger.Debug("Upstream query failed", "domain", out.Domain, "error", err)
		return nil
	}

	out.Action = ActionForwarded
	return reply
}

// dnsTypeLabel returns a human-readable string for the query type, falling back to TYPE#### per RFC 3597 when unknown.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}
