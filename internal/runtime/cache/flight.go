package cache

import (
	"context"
	"sync"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

type flightState int

const (
	flightPending flightState = iota
	flightRunning
	flightFinished
)

// Flight is the single in-progress provider call for a fingerprint. Its
// reference count and state are guarded by the owning shard's mutex.
type Flight struct {
	fp    pipeline.Fingerprint
	shard *flightShard

	refs   int
	state  flightState
	queued bool
	cancel context.CancelFunc

	// admitted closes once the flight is queued or resolves.
	admitted chan struct{}
	done     chan struct{}
	resp pipeline.Response
	err  error
}

func (f *Flight) Fingerprint() pipeline.Fingerprint { return f.fp }

// Begin marks the flight as running and returns the context the provider call
// must use. It reports false when the flight already ran or every caller
// detached, in which case the caller must not dispatch it.
func (f *Flight) Begin(parent context.Context) (context.Context, bool) {
	f.shard.mu.Lock()
	defer f.shard.mu.Unlock()
	if f.state != flightPending || f.refs == 0 {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	f.state = flightRunning
	f.queued = true
	f.cancel = cancel
	f.admitLocked()
	return ctx, true
}

// MarkQueued records that the leader handed the flight to the dispatch queue.
// Attached callers blocked in Admitted are released.
func (f *Flight) MarkQueued() {
	f.shard.mu.Lock()
	defer f.shard.mu.Unlock()
	if f.state == flightFinished {
		return
	}
	f.queued = true
	f.admitLocked()
}

func (f *Flight) admitLocked() {
	select {
	case <-f.admitted:
	default:
		close(f.admitted)
	}
}

// Attached returns the number of callers still waiting on the flight.
func (f *Flight) Attached() int {
	f.shard.mu.Lock()
	defer f.shard.mu.Unlock()
	return f.refs
}

func (f *Flight) finish(resp pipeline.Response, err error) {
	f.shard.mu.Lock()
	if f.state == flightFinished {
		f.shard.mu.Unlock()
		return
	}
	if f.shard.flights[f.fp] == f {
		delete(f.shard.flights, f.fp)
	}
	f.state = flightFinished
	f.resp, f.err = resp, err
	f.admitLocked()
	cancel := f.cancel
	f.shard.mu.Unlock()

	close(f.done)
	if cancel != nil {
		cancel()
	}
}

// detach drops one reference. The last reference removes the flight from the
// table and cancels any running provider call.
func (f *Flight) detach() {
	f.shard.mu.Lock()
	if f.state == flightFinished || f.refs == 0 {
		f.shard.mu.Unlock()
		return
	}
	f.refs--
	last := f.refs == 0
	f.shard.mu.Unlock()
	if last {
		f.finish(pipeline.Response{}, ErrFlightAbandoned)
	}
}

// Attachment is one caller's claim on a Flight.
type Attachment struct {
	flight *Flight
	once   sync.Once
}

func (a *Attachment) Flight() *Flight { return a.flight }

// Done is closed once the flight resolves.
func (a *Attachment) Done() <-chan struct{} { return a.flight.done }

// Result returns the flight outcome. It is only meaningful after Done closes.
func (a *Attachment) Result() (pipeline.Response, error) {
	select {
	case <-a.flight.done:
		return a.flight.resp, a.flight.err
	default:
		return pipeline.Response{}, ErrFlightPending
	}
}

// Admitted blocks until the flight is queued or resolves. It returns the
// flight error when the flight failed before it was ever queued, so followers
// see the same admission failure as the caller that created it.
func (a *Attachment) Admitted(ctx context.Context) error {
	f := a.flight
	select {
	case <-f.admitted:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.shard.mu.Lock()
	defer f.shard.mu.Unlock()
	if f.queued || f.state != flightFinished {
		return nil
	}
	return f.err
}

// Wait blocks until the flight resolves or ctx ends. It does not detach.
func (a *Attachment) Wait(ctx context.Context) (pipeline.Response, error) {
	select {
	case <-a.flight.done:
		return a.flight.resp, a.flight.err
	case <-ctx.Done():
		return pipeline.Response{}, ctx.Err()
	}
}

// Detach releases the caller's claim. It is idempotent and never affects other
// callers attached to the same flight.
func (a *Attachment) Detach() {
	a.once.Do(a.flight.detach)
}
