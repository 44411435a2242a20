package runtime

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/cache"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/provider"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
	"github.com/l0p7/aidispatch/internal/runtime/routing"
	"github.com/l0p7/aidispatch/internal/runtime/usage"
)

// job is one queued flight.
type job struct {
	req         pipeline.Request
	flight      *cache.Flight
	decision    routing.Decision
	reservation *usage.Reservation
	tokens      int
}

// process runs on a dispatch worker. A flight that already ran or that every
// caller abandoned while queued is skipped.
func (o *Orchestrator) process(ctx context.Context, j *job) {
	flightCtx, ok := j.flight.Begin(ctx)
	if !ok {
		j.reservation.Release()
		o.logger.Debug("skipping abandoned request",
			slog.String("request_id", j.req.ID()),
			slog.String("fingerprint", j.flight.Fingerprint().String()))
		return
	}
	resp, err := o.execute(flightCtx, j)
	if err != nil {
		o.cache.Fail(j.flight, err)
		return
	}
	o.cache.Complete(context.WithoutCancel(flightCtx), j.flight, j.req.TaskType(), resp)
}

// execute walks the provider chain: the routed provider, one retry on a
// transient failure, then re-routes excluding tried providers until the
// offline fallback answers. Every attempt lands in the ledger.
func (o *Orchestrator) execute(ctx context.Context, j *job) (pipeline.Response, error) {
	req := j.req
	tried := make(map[string]struct{})
	current := j.decision
	attempts := 0

	for {
		desc, _ := o.registry.Lookup(current.ProviderID)
		adapter := o.adapters[current.ProviderID]
		timeout := o.timeouts[current.ProviderID]

		var lastErr error
		for try := 0; try < 2; try++ {
			attempts++
			result, err := adapter.Submit(ctx, req, timeout)
			if err == nil {
				return o.succeed(j, desc, result, attempts), nil
			}
			lastErr = err
			if ctx.Err() != nil {
				o.record(req, desc.ID, j.tokens, 0, usage.StatusAborted)
				j.reservation.Release()
				return pipeline.Response{}, err
			}
			if try == 0 && pipeline.IsTransient(err) {
				o.record(req, desc.ID, j.tokens, 0, usage.StatusRetried)
				if err := o.backoff(ctx); err != nil {
					o.record(req, desc.ID, j.tokens, 0, usage.StatusAborted)
					j.reservation.Release()
					return pipeline.Response{}, err
				}
				continue
			}
			break
		}

		o.record(req, desc.ID, j.tokens, 0, usage.StatusRerouted)
		tried[desc.ID] = struct{}{}
		next, err := o.reroute(req, j, tried)
		if err != nil {
			j.reservation.Release()
			o.logger.Error("no provider left for request",
				slog.String("request_id", req.ID()),
				slog.Any("last_error", lastErr))
			return pipeline.Response{}, errors.Join(err, lastErr)
		}
		o.logger.Warn("rerouting request",
			slog.String("request_id", req.ID()),
			slog.String("from", desc.ID),
			slog.String("to", next.ProviderID),
			slog.String("reason", string(next.Reason)),
			slog.Any("error", lastErr))
		current = next
	}
}

// reroute resolves the next provider whose estimate still fits the spend cap.
// Providers that would break the cap are skipped without being called.
func (o *Orchestrator) reroute(req pipeline.Request, j *job, tried map[string]struct{}) (routing.Decision, error) {
	for {
		next, err := o.router.Resolve(req, tried)
		if err != nil {
			return routing.Decision{}, err
		}
		desc, _ := o.registry.Lookup(next.ProviderID)
		estimate := usage.Cost(j.tokens, desc.PricePerKToken)
		if err := j.reservation.Resize(estimate); err != nil {
			o.logger.Warn("skipping reroute target over budget",
				slog.String("request_id", req.ID()),
				slog.String("provider", next.ProviderID),
				slog.Float64("estimate", estimate))
			tried[next.ProviderID] = struct{}{}
			continue
		}
		return next, nil
	}
}

func (o *Orchestrator) succeed(j *job, desc registry.Descriptor, result provider.Result, attempts int) pipeline.Response {
	tokens := result.TokensUsed
	if tokens <= 0 {
		tokens = j.tokens
	}
	cost := usage.Cost(tokens, desc.PricePerKToken)
	j.reservation.Settle(cost)
	o.record(j.req, desc.ID, tokens, cost, usage.StatusSuccess)

	outcome := pipeline.OutcomeProviderSuccess
	if desc.Offline() {
		outcome = pipeline.OutcomeFallbackSuccess
	}
	return pipeline.Response{
		RequestID:  j.req.ID(),
		Content:    result.Content,
		ProviderID: desc.ID,
		TokensUsed: result.TokensUsed,
		Confidence: result.Confidence,
		Outcome:    outcome,
		Attempts:   attempts,
	}
}

func (o *Orchestrator) record(req pipeline.Request, providerID string, tokens int, cost float64, status usage.Status) {
	o.ledger.Append(usage.Record{
		RequestID:      req.ID(),
		ProviderID:     providerID,
		TaskType:       req.TaskType(),
		TokensEstimate: tokens,
		CostEstimate:   cost,
		Status:         status,
	})
}

// backoff sleeps for a jittered interval between half and all of retryBackoff.
func (o *Orchestrator) backoff(ctx context.Context) error {
	if o.retryBackoff <= 0 {
		return nil
	}
	half := o.retryBackoff / 2
	delay := half + rand.N(o.retryBackoff-half+1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
