package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/aidispatch/internal/runtime/registry"
)

// ProviderUpdateConfig is one entry of the providers file. Omitted fields
// leave the registry untouched.
type ProviderUpdateConfig struct {
	ID             string   `koanf:"id"`
	Available      *bool    `koanf:"available"`
	PricePerKToken *float64 `koanf:"pricePerKToken"`
}

type providersDocument struct {
	Providers []ProviderUpdateConfig `koanf:"providers"`
}

// LoadProviderUpdates reads the availability and pricing overrides from path.
// The parser is chosen by file extension.
func LoadProviderUpdates(path string) ([]registry.Update, error) {
	if err := ensureFileExists(path); err != nil {
		return nil, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load providers from %s: %w", path, err)
	}
	var doc providersDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: decode providers from %s: %w", path, err)
	}
	updates := make([]registry.Update, 0, len(doc.Providers))
	for i, entry := range doc.Providers {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("config: %s: providers[%d].id required", path, i)
		}
		if entry.PricePerKToken != nil && *entry.PricePerKToken < 0 {
			return nil, fmt.Errorf("config: %s: provider %q pricePerKToken invalid: %v", path, id, *entry.PricePerKToken)
		}
		updates = append(updates, registry.Update{
			ID:             id,
			Available:      entry.Available,
			PricePerKToken: entry.PricePerKToken,
		})
	}
	return updates, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: providers file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: providers file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported providers file extension %s", ext)
	}
}
