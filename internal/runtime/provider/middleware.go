package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

type rateLimited struct {
	Adapter
	limiter *rate.Limiter
}

// WithRateLimit wraps next in a token bucket refilled at perSecond with the
// given burst. A non-positive rate returns next unchanged. Waiting for a token
// counts against the call's timeout.
func WithRateLimit(next Adapter, perSecond float64, burst int) Adapter {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{Adapter: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) Submit(ctx context.Context, req pipeline.Request, timeout time.Duration) (Result, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, pipeline.ProviderFailure(r.ID(), 0, false, context.Canceled)
		}
		return Result{}, pipeline.ProviderFailure(r.ID(), 429, true, fmt.Errorf("rate limited: %w", err))
	}
	return r.Adapter.Submit(ctx, req, timeout)
}

type instrumented struct {
	Adapter
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// WithInstrumentation logs one line and records metrics per call.
func WithInstrumentation(next Adapter, logger *slog.Logger, recorder *metrics.Recorder) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumented{
		Adapter: next,
		logger:  logger.With(slog.String("agent", "provider"), slog.String("provider", next.ID())),
		metrics: recorder,
	}
}

func (i *instrumented) Submit(ctx context.Context, req pipeline.Request, timeout time.Duration) (Result, error) {
	start := time.Now()
	res, err := i.Adapter.Submit(ctx, req, timeout)
	elapsed := time.Since(start)

	outcome := "success"
	level := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("request_id", req.ID()),
		slog.String("task", string(req.TaskType())),
		slog.Int64("latency_ms", elapsed.Milliseconds()),
	}
	switch {
	case err != nil && pipeline.IsTransient(err):
		outcome = "transient_error"
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("error", err))
	case err != nil:
		outcome = "error"
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("error", err))
	case res.Truncated:
		outcome = "truncated"
		attrs = append(attrs, slog.Int("tokens", res.TokensUsed))
	default:
		attrs = append(attrs, slog.Int("tokens", res.TokensUsed))
	}
	attrs = append(attrs, slog.String("outcome", outcome))
	i.logger.LogAttrs(ctx, level, "provider call", attrs...)
	i.metrics.ObserveProviderCall(i.ID(), string(req.TaskType()), outcome, elapsed)
	return res, err
}
