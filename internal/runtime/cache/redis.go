package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

const defaultRedisKeyPrefix = "aidispatch:response:"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	TLS       RedisTLSConfig
	KeyPrefix string
}

type redisStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewRedis connects to a redis-compatible server. Expiry is delegated to the
// server via PX so entries vanish at ExpiresAt without local sweeping.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &redisStore{client: client, prefix: prefix, now: time.Now}, nil
}

func (c *redisStore) key(fp pipeline.Fingerprint) string {
	return c.prefix + string(fp)
}

func (c *redisStore) Lookup(ctx context.Context, fp pipeline.Fingerprint) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(c.key(fp)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	if !entry.Live(c.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *redisStore) Store(ctx context.Context, entry Entry) error {
	if entry.Fingerprint == "" {
		return errors.New("cache: entry fingerprint required")
	}
	now := c.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.ExpiresAt.IsZero() {
		return errors.New("cache: redis entry expiry required")
	}
	ttl := entry.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmd := c.client.B().Set().Key(c.key(entry.Fingerprint)).Value(string(payload)).Px(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *redisStore) Size(ctx context.Context) (int64, error) {
	resp := c.client.Do(ctx, c.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis dbsize: %w", err)
	}
	return size, nil
}

func (c *redisStore) Close(context.Context) error {
	c.client.Close()
	return nil
}
