package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
)

const (
	defaultRemoteConfidence = 0.9
	defaultLocalConfidence  = 0.2
	defaultRemoteTimeout    = 30 * time.Second
	maxResponseBytes        = 1 << 20
)

// Result is the raw answer an adapter produces for one call.
type Result struct {
	Content    string
	TokensUsed int
	Confidence float64
	Truncated  bool
}

// Adapter submits a request to one backend. Implementations must honour ctx and
// apply timeout to the outbound call when it is positive.
type Adapter interface {
	ID() string
	Submit(ctx context.Context, req pipeline.Request, timeout time.Duration) (Result, error)
}

// HTTPDoer is the subset of *http.Client the remote adapters need.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Spec describes an adapter to construct.
type Spec struct {
	ID         string
	Kind       registry.Kind
	Endpoint   string
	Model      string
	APIKey     string
	Confidence float64
	MaxTokens  int
	// Local adapters only.
	Templates *TemplateSet
}

// Build constructs the adapter variant named by spec.Kind.
func Build(spec Spec, client HTTPDoer) (Adapter, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, errors.New("provider: id required")
	}
	switch spec.Kind {
	case registry.KindRemoteA:
		adapter, err := NewRemoteA(spec, client)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case registry.KindRemoteB:
		adapter, err := NewRemoteB(spec, client)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case registry.KindLocal:
		return NewLocal(spec.ID, spec.Templates, spec.Confidence), nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported kind %q", spec.ID, spec.Kind)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func clampConfidence(value, fallback float64) float64 {
	if value <= 0 {
		return fallback
	}
	if value > 1 {
		return 1
	}
	return value
}
