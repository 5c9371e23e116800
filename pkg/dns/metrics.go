package dns

import (
	"context"

	"github.com/OmgRod/PiBlock/pkg/policy"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func (h *Handler) recordQuery(ctx context.Context, qtypeLabel string) {
	if qtypeLabel == "" {
		h.Metrics.QueriesTotal.Add(ctx, 1)
		return
	}
	h.Metrics.QueriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtypeLabel)))
}

// recordBlockedQuery increments the blocked-query counter, labelled with the
// mode that produced the answer.
func (h *Handler) recordBlockedQuery(ctx context.Context, mode policy.Mode, qtypeLabel string) {
	h.Metrics.BlockedQueries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("type", qtypeLabel),
	))
}

func (h *Handler) recordDuration(ctx context.Context, out Outcome) {
	if out.Action == ActionDiscarded {
		return
	}
	h.Metrics.QueryDuration.Record(ctx, float64(out.Duration.Microseconds())/1000,
		metric.WithAttributes(attribute.String("action", out.Action.String())))
}
