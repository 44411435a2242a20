package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/admission"
	"github.com/l0p7/aidispatch/internal/runtime/cache"
	"github.com/l0p7/aidispatch/internal/runtime/dispatch"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/provider"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
	"github.com/l0p7/aidispatch/internal/runtime/routing"
	"github.com/l0p7/aidispatch/internal/runtime/usage"
)

const defaultRetryBackoff = 200 * time.Millisecond

var (
	// ErrClosed is returned by Submit once Shutdown has begun.
	ErrClosed = errors.New("runtime: orchestrator shut down")
	// ErrNilHandle is returned when a nil handle is awaited.
	ErrNilHandle = errors.New("runtime: nil handle")
)

// Options wires the orchestrator's collaborators. Registry, Router and
// Adapters are required; everything else has a working default.
type Options struct {
	Registry *registry.Registry
	Router   *routing.Router
	Adapters map[string]provider.Adapter
	// Timeouts holds the per-call timeout of each provider. Missing entries
	// use the adapter default.
	Timeouts   map[string]time.Duration
	Cache      *cache.ResponseCache
	Normalizer *admission.Normalizer
	Guard      *usage.CostGuard
	Ledger     *usage.Ledger
	Estimator  usage.Estimator
	// Flusher persists ledger records periodically and on shutdown. Optional.
	Flusher *usage.Flusher
	Queue   dispatch.Options
	// RetryBackoff of zero selects the default; negative disables the pause.
	RetryBackoff time.Duration
	Metrics      *metrics.Recorder
	Now          func() time.Time
}

// SubmitInput is a raw caller submission.
type SubmitInput struct {
	TaskType         string
	Prompt           string
	Tags             []pipeline.ContextTag
	ProviderOverride string
	Deadline         time.Time
}

// Orchestrator accepts task requests, de-duplicates them through the response
// cache, and dispatches the rest to providers through a bounded worker pool.
type Orchestrator struct {
	logger       *slog.Logger
	registry     *registry.Registry
	router       *routing.Router
	adapters     map[string]provider.Adapter
	timeouts     map[string]time.Duration
	cache        *cache.ResponseCache
	normalizer   *admission.Normalizer
	guard        *usage.CostGuard
	ledger       *usage.Ledger
	estimator    usage.Estimator
	flusher      *usage.Flusher
	queue        *dispatch.Queue[*job]
	retryBackoff time.Duration
	metrics      *metrics.Recorder
	now          func() time.Time

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
	stopFlusher  context.CancelFunc
	flusherDone  chan struct{}
}

// New builds an orchestrator. It does not start any goroutines; call Start.
func New(logger *slog.Logger, opts Options) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Registry == nil {
		return nil, errors.New("runtime: registry required")
	}
	if opts.Router == nil {
		return nil, errors.New("runtime: router required")
	}
	for _, d := range opts.Registry.Ordered() {
		if _, ok := opts.Adapters[d.ID]; !ok {
			return nil, fmt.Errorf("runtime: provider %q has no adapter", d.ID)
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewResponseCache(cache.ResponseCacheOptions{Logger: logger, Metrics: opts.Metrics, Now: opts.Now})
	}
	if opts.Normalizer == nil {
		opts.Normalizer = admission.NewNormalizer(admission.Options{Now: opts.Now})
	}
	if opts.Guard == nil {
		opts.Guard = usage.NewCostGuard(usage.GuardOptions{Now: opts.Now, Logger: logger, Metrics: opts.Metrics})
	}
	if opts.Ledger == nil {
		opts.Ledger = usage.NewLedger(opts.Now)
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	} else if opts.RetryBackoff == 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	queueOpts := opts.Queue
	if queueOpts.Logger == nil {
		queueOpts.Logger = logger
	}
	if queueOpts.Metrics == nil {
		queueOpts.Metrics = opts.Metrics
	}
	queue, err := dispatch.New[*job](queueOpts)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		logger:       logger.With(slog.String("agent", "orchestrator")),
		registry:     opts.Registry,
		router:       opts.Router,
		adapters:     opts.Adapters,
		timeouts:     opts.Timeouts,
		cache:        opts.Cache,
		normalizer:   opts.Normalizer,
		guard:        opts.Guard,
		ledger:       opts.Ledger,
		estimator:    opts.Estimator,
		flusher:      opts.Flusher,
		queue:        queue,
		retryBackoff: opts.RetryBackoff,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}, nil
}

// Start launches the worker pool and the usage flusher.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if err := o.queue.Start(ctx, o.process); err != nil {
		return err
	}
	if o.flusher != nil {
		flushCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		o.stopFlusher = cancel
		o.flusherDone = make(chan struct{})
		go func() {
			defer close(o.flusherDone)
			o.flusher.Run(flushCtx)
		}()
	}
	return nil
}

// Shutdown refuses new submissions, drains the queue, flushes the ledger and
// closes the cache. Work still running when ctx ends is cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.closed.Store(true)
		var errs []error
		if err := o.queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runtime: drain queue: %w", err))
		}
		if o.flusher != nil {
			if o.stopFlusher != nil {
				o.stopFlusher()
				<-o.flusherDone
			}
			if err := o.flusher.Flush(context.WithoutCancel(ctx)); err != nil {
				errs = append(errs, fmt.Errorf("runtime: final usage flush: %w", err))
			}
			if err := o.flusher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("runtime: close usage sink: %w", err))
			}
		}
		if err := o.cache.Close(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("runtime: close cache: %w", err))
		}
		o.shutdownErr = errors.Join(errs...)
		o.logger.Info("orchestrator stopped", slog.Int("ledger_records", o.ledger.Len()))
	})
	return o.shutdownErr
}

// Submit validates in and returns a handle without waiting for a provider.
// Validation, routing, budget and backpressure failures are returned directly,
// including to callers that joined an identical request still being admitted.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*Handle, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	submittedAt := o.now()
	req, fp, err := o.normalizer.Normalize(admission.Input{
		TaskType:         in.TaskType,
		Prompt:           in.Prompt,
		Tags:             in.Tags,
		ProviderOverride: in.ProviderOverride,
		Deadline:         in.Deadline,
	})
	if err != nil {
		o.reject(pipeline.TaskType(in.TaskType), submittedAt, err)
		return nil, err
	}

	h := newHandle(req, fp, submittedAt)
	acq := o.cache.Acquire(ctx, fp)
	if acq.Hit {
		resp := acq.Response
		resp.RequestID = req.ID()
		h.resolve(resp, nil, o.now())
		o.observe(h)
		return h, nil
	}
	h.attachment = acq.Attachment

	if acq.Leader {
		if err := o.dispatch(ctx, req, acq.Attachment.Flight()); err != nil {
			o.cache.Fail(acq.Attachment.Flight(), err)
			o.reject(req.TaskType(), submittedAt, err)
			return nil, err
		}
		acq.Attachment.Flight().MarkQueued()
	} else if err := o.admitted(ctx, req, acq.Attachment); err != nil {
		acq.Attachment.Detach()
		o.reject(req.TaskType(), submittedAt, err)
		return nil, err
	}
	go o.watch(h)
	return h, nil
}

// admitted waits for the leader of a shared flight to queue it, bounded by
// ctx and the request deadline.
func (o *Orchestrator) admitted(ctx context.Context, req pipeline.Request, att *cache.Attachment) error {
	if deadline := req.Deadline(); !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	err := att.Admitted(ctx)
	if errors.Is(err, context.DeadlineExceeded) && pipeline.KindOf(err) == "" {
		return pipeline.Timeout(err)
	}
	return err
}

// Await blocks until h resolves or ctx ends. A ctx deadline yields a Timeout
// error; the caller stays attached and may Await again or Cancel.
func (o *Orchestrator) Await(ctx context.Context, h *Handle) (pipeline.Response, error) {
	if h == nil {
		return pipeline.Response{}, ErrNilHandle
	}
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return pipeline.Response{}, pipeline.Timeout(ctx.Err())
		}
		return pipeline.Response{}, ctx.Err()
	}
}

// AwaitTimeout waits up to d. When d elapses first the caller is detached and
// the handle resolves with a Timeout error.
func (o *Orchestrator) AwaitTimeout(h *Handle, d time.Duration) (pipeline.Response, error) {
	if h == nil {
		return pipeline.Response{}, ErrNilHandle
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		h.abort(pipeline.Timeout(context.DeadlineExceeded))
		<-h.done
	}
	return h.resp, h.err
}

// Cancel detaches the caller behind h. Other callers sharing the same provider
// call are unaffected; the call itself is cancelled once nobody waits on it.
func (o *Orchestrator) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.abort(context.Canceled)
}

// UsageSummary aggregates the ledger over period.
func (o *Orchestrator) UsageSummary(period usage.Period) usage.Summary {
	return o.ledger.Summary(period)
}

// CurrentPeriod is the open-ended billing period in progress.
func (o *Orchestrator) CurrentPeriod() usage.Period {
	return usage.Period{Start: o.guard.Spend().PeriodStart}
}

// Spend reports committed and reserved spend for the current billing period.
func (o *Orchestrator) Spend() usage.Spend { return o.guard.Spend() }

// Rollover starts a new billing period when now lies past the current one.
func (o *Orchestrator) Rollover(now time.Time) bool {
	return o.guard.Rollover(now)
}

// ApplyProviderUpdates changes availability or pricing of registered providers.
func (o *Orchestrator) ApplyProviderUpdates(updates []registry.Update) {
	applied, unknown := o.registry.Apply(updates)
	if len(unknown) > 0 {
		o.logger.Warn("provider updates reference unknown providers", slog.Any("providers", unknown))
	}
	o.logger.Info("provider updates applied", slog.Int("applied", applied))
}

// Health is a point-in-time view for readiness checks.
type Health struct {
	QueueDepth    int                   `json:"queueDepth"`
	QueueCapacity int                   `json:"queueCapacity"`
	InFlight      int                   `json:"inFlight"`
	Providers     []registry.Descriptor `json:"providers"`
	Spend         usage.Spend           `json:"spend"`
	ShuttingDown  bool                  `json:"shuttingDown"`
}

// Health snapshots queue occupancy, in-flight calls, providers and spend.
func (o *Orchestrator) Health() Health {
	return Health{
		QueueDepth:    o.queue.Depth(),
		QueueCapacity: o.queue.Capacity(),
		InFlight:      o.cache.InFlight(),
		Providers:     o.registry.Ordered(),
		Spend:         o.guard.Spend(),
		ShuttingDown:  o.closed.Load(),
	}
}

// dispatch routes and prices a new flight, reserves its estimate and queues it.
func (o *Orchestrator) dispatch(ctx context.Context, req pipeline.Request, flight *cache.Flight) error {
	decision, err := o.router.Resolve(req, nil)
	if err != nil {
		return err
	}
	desc, _ := o.registry.Lookup(decision.ProviderID)
	o.guard.Rollover(o.now())
	tokens, estimate := o.estimator.Estimate(req, desc.PricePerKToken)
	reservation, err := o.guard.Reserve(estimate)
	if err != nil {
		o.logger.Warn("request rejected by spend cap",
			slog.String("request_id", req.ID()),
			slog.String("provider", decision.ProviderID),
			slog.Float64("estimate", estimate))
		return err
	}

	enqueueCtx := ctx
	if deadline := req.Deadline(); !deadline.IsZero() {
		var cancel context.CancelFunc
		enqueueCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	err = o.queue.Enqueue(enqueueCtx, &job{
		req:         req,
		flight:      flight,
		decision:    decision,
		reservation: reservation,
		tokens:      tokens,
	})
	if err != nil {
		reservation.Release()
		if errors.Is(err, dispatch.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	o.logger.Debug("request queued",
		slog.String("request_id", req.ID()),
		slog.String("provider", decision.ProviderID),
		slog.String("reason", string(decision.Reason)),
		slog.Int("tokens_estimate", tokens))
	return nil
}

// watch resolves h from its flight, its deadline, or an explicit abort.
func (o *Orchestrator) watch(h *Handle) {
	var expired <-chan time.Time
	if !h.deadline.IsZero() {
		timer := time.NewTimer(h.deadline.Sub(o.now()))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-h.attachment.Done():
		resp, err := h.attachment.Result()
		if err == nil {
			resp.RequestID = h.id
		}
		h.resolve(resp, err, o.now())
	case <-h.aborted:
		h.attachment.Detach()
		h.resolve(pipeline.Response{}, h.abortReason, o.now())
	case <-expired:
		h.attachment.Detach()
		h.resolve(pipeline.Response{}, pipeline.Timeout(context.DeadlineExceeded), o.now())
	}
	o.observe(h)
}
