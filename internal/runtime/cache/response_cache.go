package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

const flightShards = 32

var (
	// ErrFlightAbandoned resolves a flight whose callers all detached before it finished.
	ErrFlightAbandoned = errors.New("cache: flight abandoned")
	ErrFlightPending   = errors.New("cache: flight pending")
)

type ResponseCacheOptions struct {
	Store Store
	// Policy defaults to DefaultPolicy when nil.
	Policy  *TTLPolicy
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// ResponseCache fronts a Store with single-flight de-duplication: concurrent
// acquisitions of one fingerprint share a single Flight until it resolves.
type ResponseCache struct {
	store   Store
	policy  TTLPolicy
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	shards  [flightShards]flightShard
}

type flightShard struct {
	mu      sync.Mutex
	flights map[pipeline.Fingerprint]*Flight
}

func NewResponseCache(opts ResponseCacheOptions) *ResponseCache {
	if opts.Store == nil {
		opts.Store = NewMemory(MemoryOptions{Now: opts.Now})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	c := &ResponseCache{
		store:   opts.Store,
		policy:  policy,
		logger:  opts.Logger.With(slog.String("agent", "response_cache")),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	for i := range c.shards {
		c.shards[i].flights = make(map[pipeline.Fingerprint]*Flight)
	}
	return c
}

// Acquisition is the result of Acquire. Exactly one of Hit or Attachment is set.
// Leader reports that the attachment created the flight and the caller is
// responsible for dispatching it.
type Acquisition struct {
	Hit        bool
	Response   pipeline.Response
	Attachment *Attachment
	Leader     bool
}

// Acquire returns a live cached response or attaches the caller to the flight
// for fp, creating it when none is in progress.
func (c *ResponseCache) Acquire(ctx context.Context, fp pipeline.Fingerprint) Acquisition {
	if resp, ok := c.lookup(ctx, fp); ok {
		return Acquisition{Hit: true, Response: resp}
	}

	shard := c.shard(fp)
	shard.mu.Lock()
	if f, ok := shard.flights[fp]; ok {
		f.refs++
		shard.mu.Unlock()
		c.metrics.ObserveFlightAttach()
		return Acquisition{Attachment: &Attachment{flight: f}}
	}
	f := &Flight{fp: fp, shard: shard, refs: 1, admitted: make(chan struct{}), done: make(chan struct{})}
	shard.flights[fp] = f
	shard.mu.Unlock()

	// A flight may have completed between the first lookup and registration.
	if resp, ok := c.lookup(ctx, fp); ok {
		f.finish(resp, nil)
		return Acquisition{Hit: true, Response: resp}
	}
	return Acquisition{Attachment: &Attachment{flight: f}, Leader: true}
}

// Complete stores resp when its outcome is cacheable and then releases every
// caller attached to the flight. Storing happens first so a later Acquire
// never misses a result an attached caller already observed.
func (c *ResponseCache) Complete(ctx context.Context, f *Flight, task pipeline.TaskType, resp pipeline.Response) {
	if f == nil {
		return
	}
	resp.Fingerprint = f.fp
	if ttl := c.policy.EffectiveTTL(resp.ProviderID, task, resp.Outcome); ttl > 0 {
		c.put(ctx, resp, ttl)
	} else {
		c.metrics.ObserveCacheStore(metrics.CacheStoreSkipped, 0)
	}
	f.finish(resp, nil)
}

// Fail broadcasts err to every caller attached to the flight. Nothing is cached.
func (c *ResponseCache) Fail(f *Flight, err error) {
	if f == nil {
		return
	}
	f.finish(pipeline.Response{}, err)
}

// InFlight returns the number of unresolved flights.
func (c *ResponseCache) InFlight() int {
	total := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		total += len(shard.flights)
		shard.mu.Unlock()
	}
	return total
}

func (c *ResponseCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *ResponseCache) lookup(ctx context.Context, fp pipeline.Fingerprint) (pipeline.Response, bool) {
	start := time.Now()
	entry, ok, err := c.store.Lookup(ctx, fp)
	switch {
	case err != nil:
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
		c.logger.Warn("cache lookup failed", slog.String("fingerprint", fp.String()), slog.Any("error", err))
		return pipeline.Response{}, false
	case !ok || !entry.Live(c.now()):
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return pipeline.Response{}, false
	}
	c.metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	return pipeline.Response{
		Content:     entry.Content,
		ProviderID:  entry.ProviderID,
		TokensUsed:  entry.TokensUsed,
		Confidence:  entry.Confidence,
		Outcome:     pipeline.OutcomeCacheHit,
		FromCache:   true,
		Fingerprint: fp,
	}, true
}

func (c *ResponseCache) put(ctx context.Context, resp pipeline.Response, ttl time.Duration) {
	now := c.now()
	entry := Entry{
		Fingerprint: resp.Fingerprint,
		Content:     resp.Content,
		ProviderID:  resp.ProviderID,
		TokensUsed:  resp.TokensUsed,
		Confidence:  resp.Confidence,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	start := time.Now()
	if err := c.store.Store(ctx, entry); err != nil {
		c.metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
		c.logger.Warn("cache store failed", slog.String("fingerprint", resp.Fingerprint.String()), slog.Any("error", err))
		return
	}
	c.metrics.ObserveCacheStore(metrics.CacheStoreStored, time.Since(start))
}

func (c *ResponseCache) shard(fp pipeline.Fingerprint) *flightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return &c.shards[h.Sum32()%flightShards]
}
