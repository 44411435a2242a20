package routing

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/expr"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
)

var allTasks = pipeline.TaskTypes()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Descriptor{ID: "alpha", Kind: registry.KindRemoteA, Available: true, Capabilities: allTasks}))
	require.NoError(t, reg.Register(registry.Descriptor{ID: "beta", Kind: registry.KindRemoteB, Available: true, Capabilities: []pipeline.TaskType{pipeline.TaskExplanation, pipeline.TaskReview}}))
	require.NoError(t, reg.Register(registry.Descriptor{ID: "local", Kind: registry.KindLocal, Available: true, Capabilities: allTasks}))
	return reg
}

func request(task pipeline.TaskType, prompt, override string) pipeline.Request {
	return pipeline.NewRequest(pipeline.RequestSpec{TaskType: task, Prompt: prompt, ProviderOverride: override})
}

func TestResolveOrder(t *testing.T) {
	reg := newTestRegistry(t)
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	router, err := New(reg, env, []Rule{
		{Task: pipeline.TaskExplanation, Provider: "beta"},
		{Task: pipeline.TaskReview, Provider: "beta", When: `promptLength > 10`},
		{Task: pipeline.TaskReview, Provider: "alpha"},
	}, testLogger())
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     pipeline.Request
		exclude map[string]struct{}
		want    Decision
	}{
		{
			name: "override wins",
			req:  request(pipeline.TaskExplanation, "explain foo()", "alpha"),
			want: Decision{ProviderID: "alpha", Reason: ReasonOverride},
		},
		{
			name: "override lacking capability falls through to policy",
			req:  request(pipeline.TaskGeneration, "write code", "beta"),
			want: Decision{ProviderID: "alpha", Reason: ReasonCapability},
		},
		{
			name: "unknown override ignored",
			req:  request(pipeline.TaskExplanation, "explain foo()", "ghost"),
			want: Decision{ProviderID: "beta", Reason: ReasonPolicy},
		},
		{
			name: "policy entry",
			req:  request(pipeline.TaskExplanation, "explain foo()", ""),
			want: Decision{ProviderID: "beta", Reason: ReasonPolicy},
		},
		{
			name: "conditional policy matches",
			req:  request(pipeline.TaskReview, "review this long function", ""),
			want: Decision{ProviderID: "beta", Reason: ReasonPolicy},
		},
		{
			name: "conditional policy skipped",
			req:  request(pipeline.TaskReview, "short", ""),
			want: Decision{ProviderID: "alpha", Reason: ReasonPolicy},
		},
		{
			name:    "excluded policy provider falls back to capability order",
			req:     request(pipeline.TaskExplanation, "explain foo()", ""),
			exclude: map[string]struct{}{"beta": {}},
			want:    Decision{ProviderID: "alpha", Reason: ReasonCapability},
		},
		{
			name:    "all remotes excluded reaches local",
			req:     request(pipeline.TaskExplanation, "explain foo()", ""),
			exclude: map[string]struct{}{"beta": {}, "alpha": {}},
			want:    Decision{ProviderID: "local", Reason: ReasonFallback},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := router.Resolve(tc.req, tc.exclude)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolveSkipsUnavailableProviders(t *testing.T) {
	reg := newTestRegistry(t)
	router, err := New(reg, nil, []Rule{{Task: pipeline.TaskExplanation, Provider: "beta"}}, testLogger())
	require.NoError(t, err)

	require.NoError(t, reg.SetAvailable("beta", false))
	got, err := router.Resolve(request(pipeline.TaskExplanation, "x", "beta"), nil)
	require.NoError(t, err)
	require.Equal(t, Decision{ProviderID: "alpha", Reason: ReasonCapability}, got)

	require.NoError(t, reg.SetAvailable("alpha", false))
	got, err = router.Resolve(request(pipeline.TaskExplanation, "x", ""), nil)
	require.NoError(t, err)
	require.Equal(t, Decision{ProviderID: "local", Reason: ReasonFallback}, got)

	require.NoError(t, reg.SetAvailable("local", false))
	_, err = router.Resolve(request(pipeline.TaskExplanation, "x", ""), nil)
	require.ErrorIs(t, err, pipeline.ErrProviderUnavailable)
}

func TestResolveUnavailableWhenNothingCapable(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Descriptor{ID: "beta", Kind: registry.KindRemoteB, Available: true, Capabilities: []pipeline.TaskType{pipeline.TaskReview}}))
	router, err := New(reg, nil, nil, testLogger())
	require.NoError(t, err)

	_, err = router.Resolve(request(pipeline.TaskGeneration, "x", ""), nil)
	require.ErrorIs(t, err, pipeline.ErrProviderUnavailable)
}

func TestNewRejectsInvalidRules(t *testing.T) {
	reg := newTestRegistry(t)
	env, err := expr.NewEnvironment()
	require.NoError(t, err)

	_, err = New(nil, env, nil, testLogger())
	require.Error(t, err)
	_, err = New(reg, env, []Rule{{Task: "translate", Provider: "alpha"}}, testLogger())
	require.Error(t, err)
	_, err = New(reg, env, []Rule{{Task: pipeline.TaskReview, Provider: " "}}, testLogger())
	require.Error(t, err)
	_, err = New(reg, env, []Rule{{Task: pipeline.TaskReview, Provider: "alpha", When: "prompt"}}, testLogger())
	require.Error(t, err)
	_, err = New(reg, nil, []Rule{{Task: pipeline.TaskReview, Provider: "alpha", When: "true"}}, testLogger())
	require.Error(t, err)
}
