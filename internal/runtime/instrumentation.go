package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

const (
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

// observe logs and records a resolved handle.
func (o *Orchestrator) observe(h *Handle) {
	resp, err := h.Result()
	duration := h.resolvedAt.Sub(h.submittedAt)
	outcome := string(resp.Outcome)
	level := slog.LevelInfo
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		outcome = outcomeCancelled
	case errors.Is(err, pipeline.ErrTimeout):
		outcome = outcomeTimeout
		level = slog.LevelWarn
	default:
		outcome = string(pipeline.OutcomeHardFailure)
		level = slog.LevelWarn
	}
	o.metrics.ObserveRequest(string(h.task), resp.ProviderID, outcome, duration)

	attrs := []slog.Attr{
		slog.String("request_id", h.id),
		slog.String("task", string(h.task)),
		slog.String("fingerprint", h.fingerprint.String()),
		slog.String("outcome", outcome),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if resp.ProviderID != "" {
		attrs = append(attrs,
			slog.String("provider", resp.ProviderID),
			slog.Int("tokens_used", resp.TokensUsed),
			slog.Float64("confidence", resp.Confidence))
	}
	if resp.FromCache {
		attrs = append(attrs, slog.Bool("from_cache", true))
	}
	if resp.Attempts > 1 {
		attrs = append(attrs, slog.Int("attempts", resp.Attempts))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	o.logger.LogAttrs(context.Background(), level, "request resolved", attrs...)
}

// reject records a submission that failed before reaching a provider.
func (o *Orchestrator) reject(task pipeline.TaskType, submittedAt time.Time, err error) {
	reason := string(pipeline.KindOf(err))
	if reason == "" {
		reason = "closed"
	}
	o.metrics.ObserveRejection(reason)
	o.metrics.ObserveRequest(string(task), "", string(pipeline.OutcomeHardFailure), o.now().Sub(submittedAt))
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "request rejected",
		slog.String("task", string(task)),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
}
