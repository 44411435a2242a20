package provider

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

type stubAdapter struct {
	id    string
	calls int
	res   Result
	err   error
}

func (s *stubAdapter) ID() string { return s.id }

func (s *stubAdapter) Submit(context.Context, pipeline.Request, time.Duration) (Result, error) {
	s.calls++
	return s.res, s.err
}

func TestWithRateLimit(t *testing.T) {
	stub := &stubAdapter{id: "alpha", res: Result{Content: "ok"}}
	require.Same(t, Adapter(stub), WithRateLimit(stub, 0, 0))

	limited := WithRateLimit(stub, 1, 1)
	require.Equal(t, "alpha", limited.ID())

	_, err := limited.Submit(context.Background(), testRequest(), time.Second)
	require.NoError(t, err)

	_, err = limited.Submit(context.Background(), testRequest(), 20*time.Millisecond)
	require.ErrorIs(t, err, pipeline.ErrProviderError)
	require.True(t, pipeline.IsTransient(err), "waiting past the call timeout counts as rate limiting")
	require.Equal(t, 1, stub.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Submit(ctx, testRequest(), time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, pipeline.IsTransient(err))
}

func TestWithInstrumentation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := metrics.NewRecorder(nil)

	ok := WithInstrumentation(&stubAdapter{id: "alpha", res: Result{Content: "x", TokensUsed: 9}}, logger, rec)
	_, err := ok.Submit(context.Background(), testRequest(), 0)
	require.NoError(t, err)

	failing := WithInstrumentation(&stubAdapter{id: "beta", err: pipeline.ProviderFailure("beta", 503, true, errors.New("down"))}, logger, rec)
	_, err = failing.Submit(context.Background(), testRequest(), 0)
	require.ErrorIs(t, err, pipeline.ErrProviderError)

	out := buf.String()
	require.Contains(t, out, `"provider":"alpha"`)
	require.Contains(t, out, `"outcome":"success"`)
	require.Contains(t, out, `"outcome":"transient_error"`)
	require.Contains(t, out, `"latency_ms"`)

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	results := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "aidispatch_provider_calls_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" {
					results[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, map[string]float64{"success": 1, "transient_error": 1}, results)
}
