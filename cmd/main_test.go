package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/config"
	"github.com/l0p7/aidispatch/internal/runtime/cache"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildCacheStore(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) config.CacheConfig
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Capacity: 4}
			},
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Backend: "redis",
					Redis:   config.RedisCacheConfig{Address: server.Addr()},
				}
			},
		},
		{
			name: "unreachable redis falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend: "redis",
					Redis:   config.RedisCacheConfig{Address: "127.0.0.1:1"},
				}
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "memcached"}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := buildCacheStore(newTestLogger(), tc.cfg(t))
			t.Cleanup(func() {
				require.NoError(t, store.Close(context.Background()))
			})

			ctx := context.Background()
			entry := cacheEntry()
			require.NoError(t, store.Store(ctx, entry))
			got, ok, err := store.Lookup(ctx, entry.Fingerprint)
			require.NoError(t, err)
			require.True(t, ok, "expected lookup to succeed")
			require.Equal(t, entry.Content, got.Content)
		})
	}
}

func cacheEntry() cache.Entry {
	now := time.Now().UTC()
	return cache.Entry{
		Fingerprint: "fp-main",
		Content:     "answer",
		ProviderID:  "alpha",
		TokensUsed:  12,
		Confidence:  0.9,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "AIDISPATCH", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunUsageStoreError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Usage.Store = "postgres"
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	err := run(context.Background(), "AIDISPATCH", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "open usage store")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "AIDISPATCH", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{run: func(http.Handler) error { return errors.New("run failed") }}, nil
	})

	err := run(context.Background(), "AIDISPATCH", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunServesTasksAndPersistsUsage(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "usage.db")
	providersFile := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(providersFile, []byte("providers: []\n"), 0o600))

	cfg := config.DefaultConfig()
	cfg.Usage.Store = "sqlite"
	cfg.Usage.DSN = dbPath
	cfg.Routing.ProvidersFile = providersFile
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	var watched string
	stopped := false
	overrideProvidersWatcher(t, func(_ context.Context, path string, _ func([]registry.Update), _ func(error)) (providersWatcher, error) {
		watched = path
		return &noOpWatcher{stopped: &stopped}, nil
	})

	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		return &stubServer{run: func(handler http.Handler) error {
			body := `{"taskType":"review","prompt":"func foo() {}"}`
			req := httptest.NewRequest(http.MethodPost, "/v1/tasks?wait=2s", strings.NewReader(body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				return errors.New("unexpected status: " + rec.Body.String())
			}

			rec = httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			if !strings.Contains(rec.Body.String(), "aidispatch_requests_total") {
				return errors.New("metrics not exposed")
			}
			return context.Canceled
		}, handler: handler}, nil
	})

	require.NoError(t, run(context.Background(), "AIDISPATCH", ""))
	require.Equal(t, providersFile, watched)
	require.True(t, stopped, "watcher stopped on exit")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM usage_records`).Scan(&count))
	require.Equal(t, 1, count, "ledger flushed on shutdown")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("AIDISPATCH_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("AIDISPATCH_TEST_DOTENV") })

	loadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	loadEnvFile(path)
	require.Equal(t, "loaded", os.Getenv("AIDISPATCH_TEST_DOTENV"))
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

func overrideProvidersWatcher(t *testing.T, fn func(context.Context, string, func([]registry.Update), func(error)) (providersWatcher, error)) {
	original := watchProviders
	watchProviders = fn
	t.Cleanup(func() { watchProviders = original })
}

type fakeLoader struct {
	cfg     config.Config
	loadErr error
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	handler http.Handler
	run     func(http.Handler) error
}

func (s *stubServer) Run(context.Context) error {
	return s.run(s.handler)
}
