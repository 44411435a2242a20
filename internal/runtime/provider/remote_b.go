package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

const (
	remoteBAPIVersion       = "2023-06-01"
	remoteBDefaultMaxTokens = 1024
)

// RemoteB speaks the messages wire format: a top-level system prompt and a
// mandatory max_tokens.
type RemoteB struct {
	remoteBase
}

func NewRemoteB(spec Spec, client HTTPDoer) (*RemoteB, error) {
	base, err := newRemoteBase(spec, client)
	if err != nil {
		return nil, err
	}
	if base.maxTokens <= 0 {
		base.maxTokens = remoteBDefaultMaxTokens
	}
	return &RemoteB{remoteBase: base}, nil
}

func (b *RemoteB) Submit(ctx context.Context, req pipeline.Request, timeout time.Duration) (Result, error) {
	payload, err := b.payload(req)
	if err != nil {
		return Result{}, pipeline.ProviderFailure(b.id, 0, false, err)
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	body, err := b.post(ctx, "/v1/messages", payload, map[string]string{
		"x-api-key":         b.apiKey,
		"anthropic-version": remoteBAPIVersion,
	})
	if err != nil {
		return Result{}, err
	}

	blocks := gjson.GetBytes(body, "content")
	if !blocks.IsArray() {
		return Result{}, pipeline.ProviderFailure(b.id, 200, false, errors.New("response carries no content blocks"))
	}
	var text strings.Builder
	blocks.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})
	usage := gjson.GetBytes(body, "usage")
	truncated := gjson.GetBytes(body, "stop_reason").String() == "max_tokens"
	return Result{
		Content:    text.String(),
		TokensUsed: int(usage.Get("input_tokens").Int() + usage.Get("output_tokens").Int()),
		Confidence: penalise(b.confidence, truncated),
		Truncated:  truncated,
	}, nil
}

func (b *RemoteB) payload(req pipeline.Request) ([]byte, error) {
	body, err := sjson.SetBytes(nil, "model", b.model)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "max_tokens", b.maxTokens); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "system", SystemPrompt(req.TaskType())); err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "messages", []map[string]string{
		{"role": "user", "content": UserMessage(req)},
	})
}
