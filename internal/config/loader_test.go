package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  listen:
    port: 9090
cache:
  ttl: 10m
  ttlOverrides:
    - provider: beta
      task: review
      ttl: 30s
queue:
  workers: 2
  policy: block
budget:
  cap: 10
  softLimit: 0.5
providers:
  - id: alpha
    kind: remote-a
    endpoint: https://alpha.example
    model: alpha-large
    apiKeyEnv: ALPHA_KEY
    capabilities: [explanation, generation]
    pricePerKToken: 0.02
    timeout: 5s
  - id: beta
    kind: remote-b
    endpoint: https://beta.example
    model: beta-1
    available: false
routing:
  policy:
    - task: review
      provider: beta
    - task: explanation
      provider: alpha
      when: promptLength > 100
fallback:
  templates:
    review: "offline review of {{ .Prompt | firstLine }}"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aidispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, time.Hour, cfg.Cache.TTL)
				require.Equal(t, 4, cfg.Queue.Workers)
				require.Equal(t, "reject", cfg.Queue.Policy)
				require.InDelta(t, 0.8, cfg.Budget.SoftLimit, 1e-9)
				require.Equal(t, 30*time.Second, cfg.Usage.FlushInterval)
				require.Empty(t, cfg.Providers)
			},
		},
		{
			name:  "merges file overrides",
			setup: func(t *testing.T) []string { return []string{writeConfig(t, sampleConfig)} },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "X-Request-ID", cfg.Server.Logging.CorrelationHeader, "untouched defaults survive")
				require.Equal(t, 10*time.Minute, cfg.Cache.TTL)
				require.Len(t, cfg.Cache.TTLOverrides, 1)
				require.Equal(t, 30*time.Second, cfg.Cache.TTLOverrides[0].TTL)
				require.Equal(t, "block", cfg.Queue.Policy)
				require.InDelta(t, 10, cfg.Budget.Cap, 1e-9)

				require.Len(t, cfg.Providers, 2)
				alpha := cfg.Providers[0]
				require.Equal(t, "ALPHA_KEY", alpha.APIKeyEnv)
				require.Equal(t, 5*time.Second, alpha.Timeout)
				require.True(t, alpha.IsAvailable())
				require.False(t, cfg.Providers[1].IsAvailable())

				require.Len(t, cfg.Routing.Policy, 2)
				require.Equal(t, "promptLength > 100", cfg.Routing.Policy[1].When)
				require.Contains(t, cfg.Fallback.Templates, "review")
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("AIDISPATCH_SERVER__LISTEN__PORT", "9091")
				t.Setenv("AIDISPATCH_CACHE__KEYSALT", "pepper")
				t.Setenv("AIDISPATCH_QUEUE__RETRYBACKOFF", "1s")
				t.Setenv("AIDISPATCH_BUDGET__CAP", "25.5")
				return []string{writeConfig(t, sampleConfig)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, "pepper", cfg.Cache.KeySalt)
				require.Equal(t, time.Second, cfg.Queue.RetryBackoff)
				require.InDelta(t, 25.5, cfg.Budget.Cap, 1e-9)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails validation for unknown routing provider",
			setup: func(t *testing.T) []string {
				return []string{writeConfig(t, "routing:\n  policy:\n    - task: review\n      provider: ghost\n")}
			},
			wantErr: true,
		},
		{
			name: "fails validation for bad env value",
			setup: func(t *testing.T) []string {
				t.Setenv("AIDISPATCH_QUEUE__POLICY", "drop")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := tt.setup(t)
			cfg, err := NewLoader("AIDISPATCH", files...).Load(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.assert != nil {
				tt.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("AIDISPATCH", writeConfig(t, sampleConfig)).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
