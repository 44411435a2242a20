package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

const (
	DefaultCapacity = 64
	DefaultWorkers  = 4
)

// Policy selects what Enqueue does when the queue is full.
type Policy string

const (
	PolicyReject Policy = "reject"
	PolicyBlock  Policy = "block"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyBlock:
		return PolicyBlock, nil
	default:
		return "", fmt.Errorf("dispatch: unknown backpressure policy %q", raw)
	}
}

var (
	ErrClosed     = errors.New("dispatch: queue closed")
	ErrNotStarted = errors.New("dispatch: queue not started")
)

type Options struct {
	Capacity int
	Workers  int
	Policy   Policy
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Handler processes one dequeued item. ctx is cancelled when Stop gives up
// waiting for the pool to drain.
type Handler[T any] func(ctx context.Context, item T)

// Queue is a bounded FIFO drained by a fixed pool of workers. The worker count
// bounds how many handlers run at once.
type Queue[T any] struct {
	capacity int
	workers  int
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Recorder

	items    chan T
	stopping chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func New[T any](opts Options) (*Queue[T], error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.Policy != PolicyReject && opts.Policy != PolicyBlock {
		return nil, fmt.Errorf("dispatch: unknown backpressure policy %q", opts.Policy)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue[T]{
		capacity: opts.Capacity,
		workers:  opts.Workers,
		policy:   opts.Policy,
		logger:   opts.Logger.With(slog.String("agent", "dispatch")),
		metrics:  opts.Metrics,
		items:    make(chan T, opts.Capacity),
		stopping: make(chan struct{}),
	}, nil
}

func (q *Queue[T]) Capacity() int { return q.capacity }
func (q *Queue[T]) Workers() int  { return q.workers }

// Depth returns the number of items waiting for a worker.
func (q *Queue[T]) Depth() int { return len(q.items) }

// Start launches the worker pool. It may be called once.
func (q *Queue[T]) Start(ctx context.Context, handle Handler[T]) error {
	if handle == nil {
		return errors.New("dispatch: handler required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return errors.New("dispatch: queue already started")
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gctx := errgroup.WithContext(workerCtx)
	for i := 0; i < q.workers; i++ {
		id := i
		group.Go(func() error {
			q.work(gctx, id, handle)
			return nil
		})
	}
	q.started = true
	q.cancel = cancel
	q.group = group
	q.logger.Info("dispatch workers started", slog.Int("workers", q.workers), slog.Int("capacity", q.capacity), slog.String("policy", string(q.policy)))
	return nil
}

func (q *Queue[T]) work(ctx context.Context, id int, handle Handler[T]) {
	for item := range q.items {
		q.metrics.SetQueueDepth(len(q.items))
		handle(ctx, item)
	}
	q.logger.Debug("dispatch worker exiting", slog.Int("worker", id))
}

// Enqueue adds item to the tail of the queue. Under PolicyReject a full queue
// yields a Backpressure error immediately; under PolicyBlock the call waits for
// space until ctx ends, which yields a Timeout error.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	if !q.started {
		return ErrNotStarted
	}

	select {
	case q.items <- item:
		q.metrics.SetQueueDepth(len(q.items))
		return nil
	default:
	}

	if q.policy == PolicyReject {
		return pipeline.Backpressure(q.capacity)
	}
	select {
	case q.items <- item:
		q.metrics.SetQueueDepth(len(q.items))
		return nil
	case <-ctx.Done():
		return pipeline.Timeout(ctx.Err())
	case <-q.stopping:
		return ErrClosed
	}
}

// Stop refuses new items and lets the workers drain what is queued. When ctx
// ends first the workers' context is cancelled and Stop returns ctx.Err()
// after they exit.
func (q *Queue[T]) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopping) })
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.items)
	group, cancel := q.group, q.cancel
	q.mu.Unlock()

	if group == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
		cancel()
		q.metrics.SetQueueDepth(0)
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		q.metrics.SetQueueDepth(0)
		return ctx.Err()
	}
}
