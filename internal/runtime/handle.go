package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/cache"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// ErrPending is returned by Handle.Result before the request resolves.
var ErrPending = errors.New("runtime: request pending")

// Handle tracks one caller's submission. Every caller gets its own handle even
// when several share a single provider call.
type Handle struct {
	id          string
	task        pipeline.TaskType
	fingerprint pipeline.Fingerprint
	submittedAt time.Time
	deadline    time.Time
	attachment  *cache.Attachment

	abortOnce   sync.Once
	aborted     chan struct{}
	abortReason error

	resolveOnce sync.Once
	done        chan struct{}
	resp        pipeline.Response
	err         error
	resolvedAt  time.Time
}

func newHandle(req pipeline.Request, fp pipeline.Fingerprint, submittedAt time.Time) *Handle {
	return &Handle{
		id:          req.ID(),
		task:        req.TaskType(),
		fingerprint: fp,
		submittedAt: submittedAt,
		deadline:    req.Deadline(),
		aborted:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (h *Handle) ID() string                        { return h.id }
func (h *Handle) TaskType() pipeline.TaskType       { return h.task }
func (h *Handle) Fingerprint() pipeline.Fingerprint { return h.fingerprint }
func (h *Handle) SubmittedAt() time.Time            { return h.submittedAt }
func (h *Handle) Deadline() time.Time               { return h.deadline }

// Done is closed once the handle resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome without blocking, or ErrPending.
func (h *Handle) Result() (pipeline.Response, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	default:
		return pipeline.Response{}, ErrPending
	}
}

// ResolvedAt is zero until the handle resolves.
func (h *Handle) ResolvedAt() time.Time {
	select {
	case <-h.done:
		return h.resolvedAt
	default:
		return time.Time{}
	}
}

func (h *Handle) resolve(resp pipeline.Response, err error, at time.Time) bool {
	resolved := false
	h.resolveOnce.Do(func() {
		h.resp, h.err, h.resolvedAt = resp, err, at
		close(h.done)
		resolved = true
	})
	return resolved
}

// abort asks the handle's watcher to detach and resolve with reason. Only the
// first reason is kept.
func (h *Handle) abort(reason error) {
	h.abortOnce.Do(func() {
		h.abortReason = reason
		close(h.aborted)
	})
}
