package usage

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// Cycle is the billing period length.
type Cycle string

const (
	CycleDaily   Cycle = "daily"
	CycleMonthly Cycle = "monthly"
)

func ParseCycle(raw string) (Cycle, error) {
	switch Cycle(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CycleMonthly:
		return CycleMonthly, nil
	case CycleDaily:
		return CycleDaily, nil
	default:
		return "", fmt.Errorf("usage: unknown billing cycle %q", raw)
	}
}

// PeriodStart returns the UTC start of the billing period containing t.
func (c Cycle) PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	if c == CycleDaily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Spend is a point-in-time view of the billing period.
type Spend struct {
	PeriodStart    time.Time `json:"periodStart"`
	Committed      float64   `json:"committed"`
	Reserved       float64   `json:"reserved"`
	Cap            float64   `json:"cap"`
	SoftLimit      float64   `json:"softLimit"`
	SoftLimitFired bool      `json:"softLimitReached"`
}

// Remaining is the headroom left under the cap, or -1 when no cap is set.
func (s Spend) Remaining() float64 {
	if s.Cap <= 0 {
		return -1
	}
	return max(s.Cap-s.Committed-s.Reserved, 0)
}

type GuardOptions struct {
	// Cap is the spend ceiling in dollars per period; zero disables enforcement.
	Cap float64
	// SoftLimit is the fraction of Cap whose crossing fires OnSoftLimit once per period.
	SoftLimit   float64
	Cycle       Cycle
	Now         func() time.Time
	OnSoftLimit func(Spend)
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// CostGuard enforces the spend cap. Committed spend lives in an atomic
// nano-dollar counter so reads never block; reservations are serialised by mu so
// concurrent admissions cannot jointly overshoot the cap.
type CostGuard struct {
	cap         int64
	softLimit   int64
	softFrac    float64
	cycle       Cycle
	now         func() time.Time
	onSoftLimit func(Spend)
	logger      *slog.Logger
	metrics     *metrics.Recorder

	committed atomic.Int64

	mu          sync.Mutex
	reserved    int64
	periodStart time.Time
	softFired   bool
}

func NewCostGuard(opts GuardOptions) *CostGuard {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cycle == "" {
		opts.Cycle = CycleMonthly
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	g := &CostGuard{
		cap:         toNano(max(opts.Cap, 0)),
		softFrac:    opts.SoftLimit,
		cycle:       opts.Cycle,
		now:         opts.Now,
		onSoftLimit: opts.OnSoftLimit,
		logger:      opts.Logger.With(slog.String("agent", "cost_guard")),
		metrics:     opts.Metrics,
	}
	if g.cap > 0 && opts.SoftLimit > 0 && opts.SoftLimit < 1 {
		g.softLimit = toNano(opts.Cap * opts.SoftLimit)
	}
	g.periodStart = g.cycle.PeriodStart(g.now())
	return g
}

// Reservation holds an admitted estimate until the attempt settles.
type Reservation struct {
	guard  *CostGuard
	amount int64
	done   bool
}

// Estimate returns the reserved amount in dollars.
func (r *Reservation) Estimate() float64 {
	if r == nil {
		return 0
	}
	r.guard.mu.Lock()
	defer r.guard.mu.Unlock()
	return fromNano(r.amount)
}

// Reserve admits estimate against the cap. A zero estimate is always admitted
// so the free offline fallback stays reachable at the cap.
func (g *CostGuard) Reserve(estimate float64) (*Reservation, error) {
	amount := toNano(max(estimate, 0))
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.admitLocked(amount, 0); err != nil {
		return nil, err
	}
	g.reserved += amount
	g.publishLocked()
	return &Reservation{guard: g, amount: amount}, nil
}

// Resize swaps the reservation's amount for estimate, used when a request is
// re-routed to a provider with a different price. The reservation is left
// untouched when the new amount would break the cap.
func (r *Reservation) Resize(estimate float64) error {
	g := r.guard
	amount := toNano(max(estimate, 0))
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.done {
		return fmt.Errorf("usage: reservation already settled")
	}
	if err := g.admitLocked(amount, r.amount); err != nil {
		return err
	}
	g.reserved += amount - r.amount
	r.amount = amount
	g.publishLocked()
	return nil
}

// Settle releases the reservation and commits actual dollars. Calling Settle
// or Release more than once has no further effect.
func (r *Reservation) Settle(actual float64) {
	if r == nil {
		return
	}
	g := r.guard
	g.mu.Lock()
	if r.done {
		g.mu.Unlock()
		return
	}
	r.done = true
	g.reserved -= r.amount
	fired, snapshot := g.commitLocked(toNano(max(actual, 0)))
	g.publishLocked()
	g.mu.Unlock()
	if fired {
		g.softLimitCrossed(snapshot)
	}
}

// Release drops the reservation without committing any spend.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	g := r.guard
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	g.reserved -= r.amount
	g.publishLocked()
}

// Spend returns the current period's figures.
func (g *CostGuard) Spend() Spend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// Committed reads committed spend without taking the reservation lock.
func (g *CostGuard) Committed() float64 {
	return fromNano(g.committed.Load())
}

// Rollover starts a new billing period when now falls past the current one.
// Outstanding reservations carry over. It reports whether a new period began.
func (g *CostGuard) Rollover(now time.Time) bool {
	start := g.cycle.PeriodStart(now)
	g.mu.Lock()
	defer g.mu.Unlock()
	if !start.After(g.periodStart) {
		return false
	}
	previous := g.committed.Swap(0)
	g.periodStart = start
	g.softFired = false
	g.metrics.SetSoftLimitReached(false)
	g.publishLocked()
	g.logger.Info("billing period rolled over",
		slog.Time("period_start", start),
		slog.Float64("previous_spend", fromNano(previous)))
	return true
}

func (g *CostGuard) admitLocked(amount, replacing int64) error {
	if g.cap <= 0 || amount == 0 {
		return nil
	}
	projected := g.committed.Load() + g.reserved - replacing + amount
	if projected > g.cap {
		remaining := max(g.cap-g.committed.Load()-g.reserved+replacing, 0)
		return pipeline.BudgetExceeded(fromNano(amount), fromNano(remaining))
	}
	return nil
}

func (g *CostGuard) commitLocked(amount int64) (bool, Spend) {
	committed := g.committed.Add(amount)
	if g.softFired || g.softLimit <= 0 || committed < g.softLimit {
		return false, Spend{}
	}
	g.softFired = true
	return true, g.snapshotLocked()
}

func (g *CostGuard) softLimitCrossed(snapshot Spend) {
	g.logger.Warn("spend soft limit reached",
		slog.Float64("committed", snapshot.Committed),
		slog.Float64("cap", snapshot.Cap),
		slog.Float64("soft_limit", snapshot.SoftLimit))
	g.metrics.SetSoftLimitReached(true)
	if g.onSoftLimit != nil {
		g.onSoftLimit(snapshot)
	}
}

func (g *CostGuard) snapshotLocked() Spend {
	return Spend{
		PeriodStart:    g.periodStart,
		Committed:      fromNano(g.committed.Load()),
		Reserved:       fromNano(g.reserved),
		Cap:            fromNano(g.cap),
		SoftLimit:      fromNano(g.softLimit),
		SoftLimitFired: g.softFired,
	}
}

func (g *CostGuard) publishLocked() {
	g.metrics.SetSpend(fromNano(g.committed.Load()), fromNano(g.reserved))
}
