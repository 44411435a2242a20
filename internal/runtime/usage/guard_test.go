package usage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

func TestReserveRejectsPastCap(t *testing.T) {
	g := NewCostGuard(GuardOptions{Cap: 10})
	r, err := g.Reserve(9.5)
	require.NoError(t, err)
	r.Settle(9.5)
	require.InDelta(t, 9.5, g.Committed(), 1e-9)

	_, err = g.Reserve(1)
	require.ErrorIs(t, err, pipeline.ErrBudgetExceeded)
	var typed *pipeline.Error
	require.True(t, errors.As(err, &typed))

	ok, err := g.Reserve(0.5)
	require.NoError(t, err, "exactly reaching the cap is allowed")
	ok.Release()

	free, err := g.Reserve(0)
	require.NoError(t, err)
	free.Settle(0)
}

func TestReservationsCountAgainstCap(t *testing.T) {
	g := NewCostGuard(GuardOptions{Cap: 1})
	first, err := g.Reserve(0.6)
	require.NoError(t, err)
	_, err = g.Reserve(0.6)
	require.ErrorIs(t, err, pipeline.ErrBudgetExceeded)

	first.Release()
	first.Release()
	spend := g.Spend()
	require.Zero(t, spend.Reserved)
	require.Zero(t, spend.Committed)
	require.InDelta(t, 1, spend.Remaining(), 1e-9)

	second, err := g.Reserve(0.6)
	require.NoError(t, err)
	second.Settle(0.2)
	second.Settle(0.9)
	require.InDelta(t, 0.2, g.Committed(), 1e-9)
}

func TestConcurrentReservationsNeverOvershoot(t *testing.T) {
	g := NewCostGuard(GuardOptions{Cap: 1})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Reserve(0.1); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, admitted)
	require.InDelta(t, 1, g.Spend().Reserved, 1e-9)
}

func TestResizeKeepsReservationOnRejection(t *testing.T) {
	g := NewCostGuard(GuardOptions{Cap: 1})
	r, err := g.Reserve(0.5)
	require.NoError(t, err)
	other, err := g.Reserve(0.3)
	require.NoError(t, err)

	require.ErrorIs(t, r.Resize(0.8), pipeline.ErrBudgetExceeded)
	require.InDelta(t, 0.5, r.Estimate(), 1e-9)

	require.NoError(t, r.Resize(0.7))
	require.InDelta(t, 1, g.Spend().Reserved, 1e-9)

	other.Release()
	r.Settle(0.7)
	require.Error(t, r.Resize(0.1), "settled reservations cannot be resized")
}

func TestNoCapNeverRejects(t *testing.T) {
	g := NewCostGuard(GuardOptions{})
	r, err := g.Reserve(1e6)
	require.NoError(t, err)
	r.Settle(1e6)
	require.Equal(t, float64(-1), g.Spend().Remaining())
}

func TestSoftLimitFiresOncePerPeriod(t *testing.T) {
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	rec := metrics.NewRecorder(nil)
	var fired []Spend
	g := NewCostGuard(GuardOptions{
		Cap:         10,
		SoftLimit:   0.8,
		Cycle:       CycleMonthly,
		Now:         func() time.Time { return now },
		Metrics:     rec,
		OnSoftLimit: func(s Spend) { fired = append(fired, s) },
	})

	settle := func(amount float64) {
		r, err := g.Reserve(amount)
		require.NoError(t, err)
		r.Settle(amount)
	}
	settle(7)
	require.Empty(t, fired)
	settle(1.5)
	require.Len(t, fired, 1)
	require.InDelta(t, 8.5, fired[0].Committed, 1e-9)
	require.True(t, g.Spend().SoftLimitFired)
	settle(0.5)
	require.Len(t, fired, 1, "hook fires once per period")
	require.Equal(t, float64(1), softLimitGauge(t, rec))

	require.False(t, g.Rollover(now.Add(30*time.Minute)))
	require.True(t, g.Rollover(now.Add(2*time.Hour)))
	spend := g.Spend()
	require.Zero(t, spend.Committed)
	require.False(t, spend.SoftLimitFired)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), spend.PeriodStart)
	require.Equal(t, float64(0), softLimitGauge(t, rec))

	settle(9)
	require.Len(t, fired, 2)
}

func TestCyclePeriodStart(t *testing.T) {
	at := time.Date(2026, 7, 19, 15, 4, 5, 0, time.FixedZone("x", -5*3600))
	require.Equal(t, time.Date(2026, 7, 19, 0, 0, 0, 0, time.UTC), CycleDaily.PeriodStart(at))
	require.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), CycleMonthly.PeriodStart(at))

	c, err := ParseCycle(" Daily ")
	require.NoError(t, err)
	require.Equal(t, CycleDaily, c)
	c, err = ParseCycle("")
	require.NoError(t, err)
	require.Equal(t, CycleMonthly, c)
	_, err = ParseCycle("weekly")
	require.Error(t, err)
}

func softLimitGauge(t *testing.T, rec *metrics.Recorder) float64 {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "aidispatch_budget_soft_limit_reached" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("soft limit gauge not registered")
	return 0
}
