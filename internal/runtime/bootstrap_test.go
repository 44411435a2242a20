package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/config"
	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
)

func TestNewFromConfigServesThroughRemoteProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer k-alpha", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"foo returns 42"},"finish_reason":"stop"}],"usage":{"total_tokens":40}}`)
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Budget.Cap = 5
	cfg.Providers = []config.ProviderConfig{{
		ID:             "alpha",
		Kind:           "remote-a",
		Endpoint:       server.URL,
		Model:          "m",
		APIKeyEnv:      "ALPHA_KEY",
		PricePerKToken: 0.5,
		Timeout:        time.Second,
	}}
	cfg.Routing.Policy = []config.RoutePolicyConfig{{Task: "explanation", Provider: "alpha", When: `tags.language == "go"`}}
	require.NoError(t, cfg.Validate())

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	o, err := NewFromConfig(nil, cfg, Dependencies{
		HTTPClient: server.Client(),
		Metrics:    recorder,
		LookupEnv: func(name string) (string, bool) {
			if name == "ALPHA_KEY" {
				return "k-alpha", true
			}
			return "", false
		},
	})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Shutdown(context.Background())) }()

	h, err := o.Submit(context.Background(), SubmitInput{
		TaskType: "explanation",
		Prompt:   "explain foo()",
		Tags:     []pipeline.ContextTag{{Key: pipeline.ContextLanguage, Value: "go"}},
	})
	require.NoError(t, err)
	resp, err := o.AwaitTimeout(h, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "alpha", resp.ProviderID)
	require.Equal(t, "foo returns 42", resp.Content)
	require.InDelta(t, 0.02, o.Spend().Committed, 1e-9)

	health := o.Health()
	require.Len(t, health.Providers, 2, "local fallback appended")
	require.Equal(t, registry.KindLocal, health.Providers[1].Kind)
	require.Equal(t, cfg.Queue.Capacity, health.QueueCapacity)
}

func TestNewFromConfigCacheTTL(t *testing.T) {
	tests := []struct {
		name      string
		ttl       time.Duration
		wantCalls int32
	}{
		{name: "default caches repeats", ttl: config.DefaultConfig().Cache.TTL, wantCalls: 1},
		{name: "zero disables caching", ttl: 0, wantCalls: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{"total_tokens":4}}`)
			}))
			defer server.Close()

			cfg := config.DefaultConfig()
			cfg.Cache.TTL = tc.ttl
			cfg.Providers = []config.ProviderConfig{{ID: "alpha", Kind: "remote-a", Endpoint: server.URL, Model: "m", Timeout: time.Second}}
			require.NoError(t, cfg.Validate())

			o, err := NewFromConfig(nil, cfg, Dependencies{HTTPClient: server.Client()})
			require.NoError(t, err)
			require.NoError(t, o.Start(context.Background()))
			defer func() { _ = o.Shutdown(context.Background()) }()

			for i := 0; i < 2; i++ {
				h, err := o.Submit(context.Background(), SubmitInput{TaskType: "review", Prompt: "func foo() {}"})
				require.NoError(t, err)
				resp, err := o.AwaitTimeout(h, 2*time.Second)
				require.NoError(t, err)
				require.Equal(t, "ok", resp.Content)
			}
			require.Equal(t, tc.wantCalls, calls.Load())
		})
	}
}

func TestNewFromConfigRetryBackoff(t *testing.T) {
	cfg := config.DefaultConfig()
	o, err := NewFromConfig(nil, cfg, Dependencies{})
	require.NoError(t, err)
	require.Equal(t, cfg.Queue.RetryBackoff, o.retryBackoff)

	cfg.Queue.RetryBackoff = 0
	o, err = NewFromConfig(nil, cfg, Dependencies{})
	require.NoError(t, err)
	require.Zero(t, o.retryBackoff, "zero retries without pausing")
}

func TestNewFromConfigUsesInlineFallbackTemplates(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Fallback.Templates = map[string]string{"review": "offline review of {{ .prompt }}"}

	o, err := NewFromConfig(nil, cfg, Dependencies{})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Shutdown(context.Background()) }()

	h, err := o.Submit(context.Background(), SubmitInput{TaskType: "review", Prompt: "func foo() {}"})
	require.NoError(t, err)
	resp, err := o.AwaitTimeout(h, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFallbackSuccess, resp.Outcome)
	require.Equal(t, "offline review of func foo() {}", resp.Content)
}

func TestBuildProvidersRejectsBadConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderConfig{{ID: "x", Kind: "carrier-pigeon"}}
	_, err := BuildProviders(cfg, nil, nil, nil, nil)
	require.Error(t, err)

	cfg.Providers = []config.ProviderConfig{{ID: "local", Kind: "local"}}
	cfg.Fallback.Templates = map[string]string{"poetry": "x"}
	_, err = BuildProviders(cfg, nil, nil, nil, nil)
	require.Error(t, err)
}
