package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
)

// DefaultFallbackProviderID names the offline provider appended when the
// configuration does not declare one.
const DefaultFallbackProviderID = "local"

// Config holds every orchestrator option.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Cache     CacheConfig      `koanf:"cache"`
	Queue     QueueConfig      `koanf:"queue"`
	Budget    BudgetConfig     `koanf:"budget"`
	Usage     UsageConfig      `koanf:"usage"`
	Providers []ProviderConfig `koanf:"providers"`
	Routing   RoutingConfig    `koanf:"routing"`
	Fallback  FallbackConfig   `koanf:"fallback"`
}

// ServerConfig collects the HTTP facade knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	CORS    CORSConfig    `koanf:"cors"`
	// HandleRetention keeps resolved task handles queryable for this long.
	HandleRetention time.Duration `koanf:"handleRetention"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowedOrigins"`
}

type CacheConfig struct {
	Backend  string        `koanf:"backend"`
	TTL      time.Duration `koanf:"ttl"`
	MaxTTL   time.Duration `koanf:"maxTTL"`
	Capacity int           `koanf:"capacity"`
	KeySalt  string        `koanf:"keySalt"`
	// FingerprintIncludesOverride makes requests that differ only by provider
	// override cache separately.
	FingerprintIncludesOverride bool                `koanf:"fingerprintIncludesOverride"`
	TTLOverrides                []TTLOverrideConfig `koanf:"ttlOverrides"`
	Redis                       RedisCacheConfig    `koanf:"redis"`
}

type TTLOverrideConfig struct {
	Provider string        `koanf:"provider"`
	Task     string        `koanf:"task"`
	TTL      time.Duration `koanf:"ttl"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type QueueConfig struct {
	Capacity int    `koanf:"capacity"`
	Workers  int    `koanf:"workers"`
	Policy   string `koanf:"policy"`
	// RetryBackoff is the pause before retrying a transient provider failure.
	// Zero retries immediately.
	RetryBackoff time.Duration `koanf:"retryBackoff"`
}

type BudgetConfig struct {
	// Cap is the spend ceiling in dollars per billing cycle. Zero disables it.
	Cap                  float64 `koanf:"cap"`
	SoftLimit            float64 `koanf:"softLimit"`
	Cycle                string  `koanf:"cycle"`
	ExpectedOutputTokens int     `koanf:"expectedOutputTokens"`
	Tokenizer            string  `koanf:"tokenizer"`
}

type UsageConfig struct {
	Store         string        `koanf:"store"`
	DSN           string        `koanf:"dsn"`
	FlushInterval time.Duration `koanf:"flushInterval"`
}

// ProviderConfig declares one backend. APIKeyEnv names the environment
// variable holding the credential so secrets never live in config files.
type ProviderConfig struct {
	ID             string        `koanf:"id"`
	Kind           string        `koanf:"kind"`
	Endpoint       string        `koanf:"endpoint"`
	Model          string        `koanf:"model"`
	APIKeyEnv      string        `koanf:"apiKeyEnv"`
	Capabilities   []string      `koanf:"capabilities"`
	Available      *bool         `koanf:"available"`
	PricePerKToken float64       `koanf:"pricePerKToken"`
	Timeout        time.Duration `koanf:"timeout"`
	RateLimit      float64       `koanf:"rateLimit"`
	Burst          int           `koanf:"burst"`
	Confidence     float64       `koanf:"confidence"`
	MaxTokens      int           `koanf:"maxTokens"`
}

// IsAvailable defaults to true when the field is omitted.
func (p ProviderConfig) IsAvailable() bool {
	if p.Available == nil {
		return true
	}
	return *p.Available
}

// TaskCapabilities returns the parsed capability set. An empty list means
// every task type.
func (p ProviderConfig) TaskCapabilities() []pipeline.TaskType {
	if len(p.Capabilities) == 0 {
		return pipeline.TaskTypes()
	}
	out := make([]pipeline.TaskType, 0, len(p.Capabilities))
	for _, raw := range p.Capabilities {
		if task, ok := pipeline.ParseTaskType(raw); ok {
			out = append(out, task)
		}
	}
	return out
}

type RoutingConfig struct {
	Policy        []RoutePolicyConfig `koanf:"policy"`
	ProvidersFile string              `koanf:"providersFile"`
}

type RoutePolicyConfig struct {
	Task     string `koanf:"task"`
	Provider string `koanf:"provider"`
	When     string `koanf:"when"`
}

type FallbackConfig struct {
	TemplatesFolder string            `koanf:"templatesFolder"`
	Templates       map[string]string `koanf:"templates"`
}

// EffectiveProviders returns the configured providers with an offline
// fallback appended when none is declared.
func (c Config) EffectiveProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers)+1)
	hasLocal := false
	for _, p := range c.Providers {
		if kind, ok := registry.ParseKind(p.Kind); ok && kind == registry.KindLocal {
			hasLocal = true
		}
		out = append(out, p)
	}
	if !hasLocal {
		out = append(out, ProviderConfig{ID: DefaultFallbackProviderID, Kind: string(registry.KindLocal)})
	}
	return out
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.HandleRetention < 0 {
		return fmt.Errorf("config: server.handleRetention invalid: %s", c.Server.HandleRetention)
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateBudget(); err != nil {
		return err
	}
	switch normalize(c.Usage.Store) {
	case "", "none":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Usage.DSN) == "" {
			return fmt.Errorf("config: usage.dsn required for %s store", c.Usage.Store)
		}
	default:
		return fmt.Errorf("config: usage.store unsupported: %s", c.Usage.Store)
	}
	if c.Usage.FlushInterval < 0 {
		return fmt.Errorf("config: usage.flushInterval invalid: %s", c.Usage.FlushInterval)
	}
	known, err := c.validateProviders()
	if err != nil {
		return err
	}
	for i, rule := range c.Routing.Policy {
		if _, ok := pipeline.ParseTaskType(rule.Task); !ok {
			return fmt.Errorf("config: routing.policy[%d].task unsupported: %s", i, rule.Task)
		}
		if _, ok := known[strings.TrimSpace(rule.Provider)]; !ok {
			return fmt.Errorf("config: routing.policy[%d].provider %q not declared", i, rule.Provider)
		}
	}
	for task := range c.Fallback.Templates {
		if _, ok := pipeline.ParseTaskType(task); !ok {
			return fmt.Errorf("config: fallback.templates.%s: unknown task type", task)
		}
	}
	return nil
}

func (c *Config) validateCache() error {
	switch normalize(c.Cache.Backend) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("config: cache.ttl invalid: %s", c.Cache.TTL)
	}
	if c.Cache.MaxTTL < 0 {
		return fmt.Errorf("config: cache.maxTTL invalid: %s", c.Cache.MaxTTL)
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("config: cache.capacity invalid: %d", c.Cache.Capacity)
	}
	for i, override := range c.Cache.TTLOverrides {
		if strings.TrimSpace(override.Provider) == "" && strings.TrimSpace(override.Task) == "" {
			return fmt.Errorf("config: cache.ttlOverrides[%d] requires a provider or task", i)
		}
		if override.Task != "" {
			if _, ok := pipeline.ParseTaskType(override.Task); !ok {
				return fmt.Errorf("config: cache.ttlOverrides[%d].task unsupported: %s", i, override.Task)
			}
		}
		if override.TTL < 0 {
			return fmt.Errorf("config: cache.ttlOverrides[%d].ttl invalid: %s", i, override.TTL)
		}
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.Capacity < 0 {
		return fmt.Errorf("config: queue.capacity invalid: %d", c.Queue.Capacity)
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("config: queue.workers invalid: %d", c.Queue.Workers)
	}
	switch normalize(c.Queue.Policy) {
	case "", "reject", "block":
	default:
		return fmt.Errorf("config: queue.policy unsupported: %s", c.Queue.Policy)
	}
	if c.Queue.RetryBackoff < 0 {
		return fmt.Errorf("config: queue.retryBackoff invalid: %s", c.Queue.RetryBackoff)
	}
	return nil
}

func (c *Config) validateBudget() error {
	if c.Budget.Cap < 0 {
		return fmt.Errorf("config: budget.cap invalid: %v", c.Budget.Cap)
	}
	if c.Budget.SoftLimit < 0 || c.Budget.SoftLimit > 1 {
		return fmt.Errorf("config: budget.softLimit must be within [0,1]: %v", c.Budget.SoftLimit)
	}
	switch normalize(c.Budget.Cycle) {
	case "", "daily", "monthly":
	default:
		return fmt.Errorf("config: budget.cycle unsupported: %s", c.Budget.Cycle)
	}
	switch normalize(c.Budget.Tokenizer) {
	case "", "heuristic", "tiktoken":
	default:
		return fmt.Errorf("config: budget.tokenizer unsupported: %s", c.Budget.Tokenizer)
	}
	if c.Budget.ExpectedOutputTokens < 0 {
		return fmt.Errorf("config: budget.expectedOutputTokens invalid: %d", c.Budget.ExpectedOutputTokens)
	}
	return nil
}

func (c *Config) validateProviders() (map[string]struct{}, error) {
	known := make(map[string]struct{}, len(c.Providers)+1)
	for i, p := range c.EffectiveProviders() {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("config: providers[%d].id required", i)
		}
		if _, dup := known[id]; dup {
			return nil, fmt.Errorf("config: providers[%d]: duplicate id %q", i, id)
		}
		known[id] = struct{}{}
		kind, ok := registry.ParseKind(p.Kind)
		if !ok {
			return nil, fmt.Errorf("config: provider %q kind unsupported: %s", id, p.Kind)
		}
		if kind != registry.KindLocal {
			if strings.TrimSpace(p.Endpoint) == "" {
				return nil, fmt.Errorf("config: provider %q endpoint required", id)
			}
			if strings.TrimSpace(p.Model) == "" {
				return nil, fmt.Errorf("config: provider %q model required", id)
			}
		}
		for j, raw := range p.Capabilities {
			if _, ok := pipeline.ParseTaskType(raw); !ok {
				return nil, fmt.Errorf("config: provider %q capabilities[%d] unsupported: %s", id, j, raw)
			}
		}
		if p.PricePerKToken < 0 {
			return nil, fmt.Errorf("config: provider %q pricePerKToken invalid: %v", id, p.PricePerKToken)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return nil, fmt.Errorf("config: provider %q confidence must be within [0,1]: %v", id, p.Confidence)
		}
		if p.Timeout < 0 || p.RateLimit < 0 || p.Burst < 0 || p.MaxTokens < 0 {
			return nil, fmt.Errorf("config: provider %q has a negative timeout, rateLimit, burst or maxTokens", id)
		}
	}
	return known, nil
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			HandleRetention: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:  "memory",
			TTL:      time.Hour,
			Capacity: 1024,
		},
		Queue: QueueConfig{
			Capacity:     64,
			Workers:      4,
			Policy:       "reject",
			RetryBackoff: 200 * time.Millisecond,
		},
		Budget: BudgetConfig{
			SoftLimit:            0.8,
			Cycle:                "monthly",
			ExpectedOutputTokens: 256,
			Tokenizer:            "heuristic",
		},
		Usage: UsageConfig{
			Store:         "none",
			FlushInterval: 30 * time.Second,
		},
	}
}
