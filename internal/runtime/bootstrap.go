package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/l0p7/aidispatch/internal/config"
	"github.com/l0p7/aidispatch/internal/expr"
	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime/admission"
	"github.com/l0p7/aidispatch/internal/runtime/cache"
	"github.com/l0p7/aidispatch/internal/runtime/dispatch"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/provider"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
	"github.com/l0p7/aidispatch/internal/runtime/routing"
	"github.com/l0p7/aidispatch/internal/runtime/usage"
	"github.com/l0p7/aidispatch/internal/templates"
)

// Dependencies are the externally constructed pieces NewFromConfig needs.
type Dependencies struct {
	// Store backs the response cache. Nil selects an in-memory store.
	Store cache.Store
	// Sink receives ledger flushes. Nil disables persistence.
	Sink       usage.Sink
	HTTPClient provider.HTTPDoer
	Metrics    *metrics.Recorder
	// LookupEnv resolves provider API keys. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// ProviderSet is the registry plus the decorated adapter of every provider.
type ProviderSet struct {
	Registry *registry.Registry
	Adapters map[string]provider.Adapter
	Timeouts map[string]time.Duration
}

// BuildProviders registers every effective provider and wraps its adapter with
// rate limiting and instrumentation.
func BuildProviders(cfg config.Config, client provider.HTTPDoer, lookupEnv func(string) (string, bool), logger *slog.Logger, recorder *metrics.Recorder) (ProviderSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	set := ProviderSet{
		Registry: registry.New(),
		Adapters: make(map[string]provider.Adapter),
		Timeouts: make(map[string]time.Duration),
	}

	var fallbackTemplates *provider.TemplateSet
	for _, p := range cfg.EffectiveProviders() {
		kind, ok := registry.ParseKind(p.Kind)
		if !ok {
			return ProviderSet{}, fmt.Errorf("runtime: provider %q kind unsupported: %s", p.ID, p.Kind)
		}
		spec := provider.Spec{
			ID:         strings.TrimSpace(p.ID),
			Kind:       kind,
			Endpoint:   p.Endpoint,
			Model:      p.Model,
			Confidence: p.Confidence,
			MaxTokens:  p.MaxTokens,
		}
		if p.APIKeyEnv != "" {
			key, found := lookupEnv(p.APIKeyEnv)
			if !found {
				logger.Warn("provider api key variable not set",
					slog.String("provider", spec.ID),
					slog.String("variable", p.APIKeyEnv))
			}
			spec.APIKey = key
		}
		if kind == registry.KindLocal {
			if fallbackTemplates == nil {
				loaded, err := loadFallbackTemplates(cfg.Fallback)
				if err != nil {
					return ProviderSet{}, err
				}
				fallbackTemplates = loaded
			}
			spec.Templates = fallbackTemplates
		}
		adapter, err := provider.Build(spec, client)
		if err != nil {
			return ProviderSet{}, err
		}
		if err := set.Registry.Register(registry.Descriptor{
			ID:             spec.ID,
			Kind:           kind,
			Capabilities:   p.TaskCapabilities(),
			Available:      p.IsAvailable(),
			PricePerKToken: p.PricePerKToken,
		}); err != nil {
			return ProviderSet{}, err
		}
		set.Adapters[spec.ID] = provider.WithInstrumentation(
			provider.WithRateLimit(adapter, p.RateLimit, p.Burst), logger, recorder)
		if p.Timeout > 0 {
			set.Timeouts[spec.ID] = p.Timeout
		}
	}
	return set, nil
}

func loadFallbackTemplates(cfg config.FallbackConfig) (*provider.TemplateSet, error) {
	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.TemplatesFolder); folder != "" {
		var err error
		sandbox, err = templates.NewSandbox(folder)
		if err != nil {
			return nil, fmt.Errorf("runtime: fallback templates folder: %w", err)
		}
	}
	inline := make(map[pipeline.TaskType]string, len(cfg.Templates))
	for raw, source := range cfg.Templates {
		task, ok := pipeline.ParseTaskType(raw)
		if !ok {
			return nil, fmt.Errorf("runtime: fallback template for unknown task %q", raw)
		}
		inline[task] = source
	}
	evaluator, err := expr.NewHybridEvaluator(templates.NewRenderer(sandbox))
	if err != nil {
		return nil, err
	}
	return provider.LoadTemplates(evaluator, sandbox, inline)
}

// NewFromConfig assembles a complete orchestrator from configuration.
func NewFromConfig(logger *slog.Logger, cfg config.Config, deps Dependencies) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	providers, err := BuildProviders(cfg, deps.HTTPClient, deps.LookupEnv, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("runtime: expression environment: %w", err)
	}
	rules := make([]routing.Rule, 0, len(cfg.Routing.Policy))
	for _, entry := range cfg.Routing.Policy {
		task, _ := pipeline.ParseTaskType(entry.Task)
		rules = append(rules, routing.Rule{Task: task, Provider: entry.Provider, When: entry.When})
	}
	router, err := routing.New(providers.Registry, env, rules, logger)
	if err != nil {
		return nil, err
	}

	overrides := make([]cache.TTLOverride, 0, len(cfg.Cache.TTLOverrides))
	for _, o := range cfg.Cache.TTLOverrides {
		task, _ := pipeline.ParseTaskType(o.Task)
		overrides = append(overrides, cache.TTLOverride{Provider: strings.TrimSpace(o.Provider), Task: task, TTL: o.TTL})
	}
	store := deps.Store
	if store == nil {
		store = cache.NewMemory(cache.MemoryOptions{Capacity: cfg.Cache.Capacity})
	}
	responses := cache.NewResponseCache(cache.ResponseCacheOptions{
		Store:   store,
		Policy:  &cache.TTLPolicy{Default: cfg.Cache.TTL, MaxTTL: cfg.Cache.MaxTTL, Overrides: overrides},
		Logger:  logger,
		Metrics: deps.Metrics,
	})

	cycle, err := usage.ParseCycle(cfg.Budget.Cycle)
	if err != nil {
		return nil, err
	}
	guard := usage.NewCostGuard(usage.GuardOptions{
		Cap:       cfg.Budget.Cap,
		SoftLimit: cfg.Budget.SoftLimit,
		Cycle:     cycle,
		Logger:    logger,
		Metrics:   deps.Metrics,
	})
	counter, err := usage.NewTokenCounter(cfg.Budget.Tokenizer)
	if err != nil {
		logger.Warn("token counter unavailable, using heuristic", slog.Any("error", err))
	}
	ledger := usage.NewLedger(nil)
	var flusher *usage.Flusher
	if deps.Sink != nil {
		flusher = usage.NewFlusher(ledger, deps.Sink, cfg.Usage.FlushInterval, logger)
	}

	policy, err := dispatch.ParsePolicy(cfg.Queue.Policy)
	if err != nil {
		return nil, err
	}
	backoff := cfg.Queue.RetryBackoff
	if backoff == 0 {
		backoff = -1
	}
	return New(logger, Options{
		Registry: providers.Registry,
		Router:   router,
		Adapters: providers.Adapters,
		Timeouts: providers.Timeouts,
		Cache:    responses,
		Normalizer: admission.NewNormalizer(admission.Options{
			Salt:            cfg.Cache.KeySalt,
			IncludeOverride: cfg.Cache.FingerprintIncludesOverride,
		}),
		Guard:     guard,
		Ledger:    ledger,
		Estimator: usage.Estimator{Counter: counter, ExpectedOutputTokens: cfg.Budget.ExpectedOutputTokens},
		Flusher:   flusher,
		Queue: dispatch.Options{
			Capacity: cfg.Queue.Capacity,
			Workers:  cfg.Queue.Workers,
			Policy:   policy,
		},
		RetryBackoff: backoff,
		Metrics:      deps.Metrics,
	})
}
