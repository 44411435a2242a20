package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalEnvKeys restores camelCase segments that env variables cannot carry.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader":  "server.logging.correlationHeader",
	"server.cors.allowedorigins":        "server.cors.allowedOrigins",
	"server.handleretention":            "server.handleRetention",
	"cache.maxttl":                      "cache.maxTTL",
	"cache.keysalt":                     "cache.keySalt",
	"cache.fingerprintincludesoverride": "cache.fingerprintIncludesOverride",
	"cache.redis.tls.cafile":            "cache.redis.tls.caFile",
	"queue.retrybackoff":                "queue.retryBackoff",
	"budget.softlimit":                  "budget.softLimit",
	"budget.expectedoutputtokens":       "budget.expectedOutputTokens",
	"usage.flushinterval":               "usage.flushInterval",
	"routing.providersfile":             "routing.providersFile",
	"fallback.templatesfolder":          "fallback.templatesFolder",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalEnvKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"handleRetention": cfg.Server.HandleRetention,
		},
		"cache": map[string]any{
			"backend":                     cfg.Cache.Backend,
			"ttl":                         cfg.Cache.TTL,
			"maxTTL":                      cfg.Cache.MaxTTL,
			"capacity":                    cfg.Cache.Capacity,
			"keySalt":                     cfg.Cache.KeySalt,
			"fingerprintIncludesOverride": cfg.Cache.FingerprintIncludesOverride,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"queue": map[string]any{
			"capacity":     cfg.Queue.Capacity,
			"workers":      cfg.Queue.Workers,
			"policy":       cfg.Queue.Policy,
			"retryBackoff": cfg.Queue.RetryBackoff,
		},
		"budget": map[string]any{
			"cap":                  cfg.Budget.Cap,
			"softLimit":            cfg.Budget.SoftLimit,
			"cycle":                cfg.Budget.Cycle,
			"expectedOutputTokens": cfg.Budget.ExpectedOutputTokens,
			"tokenizer":            cfg.Budget.Tokenizer,
		},
		"usage": map[string]any{
			"store":         cfg.Usage.Store,
			"dsn":           cfg.Usage.DSN,
			"flushInterval": cfg.Usage.FlushInterval,
		},
	}
}
