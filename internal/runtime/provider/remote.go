package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// truncatedPenalty scales the confidence of answers cut short by a token limit.
const truncatedPenalty = 0.5

type remoteBase struct {
	id         string
	endpoint   string
	model      string
	apiKey     string
	confidence float64
	maxTokens  int
	client     HTTPDoer
}

func newRemoteBase(spec Spec, client HTTPDoer) (remoteBase, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(spec.Endpoint), "/")
	if endpoint == "" {
		return remoteBase{}, fmt.Errorf("provider %s: endpoint required", spec.ID)
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return remoteBase{}, fmt.Errorf("provider %s: endpoint: %w", spec.ID, err)
	}
	if strings.TrimSpace(spec.Model) == "" {
		return remoteBase{}, fmt.Errorf("provider %s: model required", spec.ID)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}
	return remoteBase{
		id:         spec.ID,
		endpoint:   endpoint,
		model:      spec.Model,
		apiKey:     spec.APIKey,
		confidence: clampConfidence(spec.Confidence, defaultRemoteConfidence),
		maxTokens:  spec.MaxTokens,
		client:     client,
	}, nil
}

func (b remoteBase) ID() string { return b.id }

// post sends payload and returns the body of a 2xx response. Every failure is
// mapped to a *pipeline.Error of kind ProviderError.
func (b remoteBase) post(ctx context.Context, path string, payload []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, pipeline.ProviderFailure(b.id, 0, false, fmt.Errorf("build request: %w", err))
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for name, value := range headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, transportFailure(ctx, b.id, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, transportFailure(ctx, b.id, fmt.Errorf("read response: %w", err))
	}
	if closeErr != nil {
		return nil, transportFailure(ctx, b.id, fmt.Errorf("close response: %w", closeErr))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusFailure(b.id, resp.StatusCode, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, pipeline.ProviderFailure(b.id, resp.StatusCode, false, errors.New("response is not valid json"))
	}
	return body, nil
}

// Transient reports whether a status code is worth retrying.
func Transient(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

func statusFailure(id string, status int, body []byte) error {
	message := strings.TrimSpace(gjson.GetBytes(body, "error.message").String())
	if message == "" {
		message = strings.TrimSpace(string(body))
		if len(message) > 200 {
			message = message[:200]
		}
	}
	return pipeline.ProviderFailure(id, status, Transient(status), fmt.Errorf("status %d: %s", status, message))
}

func transportFailure(ctx context.Context, id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pipeline.ProviderFailure(id, 0, true, fmt.Errorf("call timed out: %w", context.DeadlineExceeded))
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return pipeline.ProviderFailure(id, 0, false, context.Canceled)
	}
	// Connection refused, resets and DNS failures are all worth another try.
	return pipeline.ProviderFailure(id, 0, true, err)
}

func penalise(confidence float64, truncated bool) float64 {
	if truncated {
		return confidence * truncatedPenalty
	}
	return confidence
}
