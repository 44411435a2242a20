package provider

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// RemoteA speaks the chat-completions wire format.
type RemoteA struct {
	remoteBase
}

func NewRemoteA(spec Spec, client HTTPDoer) (*RemoteA, error) {
	base, err := newRemoteBase(spec, client)
	if err != nil {
		return nil, err
	}
	return &RemoteA{remoteBase: base}, nil
}

func (a *RemoteA) Submit(ctx context.Context, req pipeline.Request, timeout time.Duration) (Result, error) {
	payload, err := a.payload(req)
	if err != nil {
		return Result{}, pipeline.ProviderFailure(a.id, 0, false, err)
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	body, err := a.post(ctx, "/v1/chat/completions", payload, map[string]string{
		"Authorization": bearer(a.apiKey),
	})
	if err != nil {
		return Result{}, err
	}

	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return Result{}, pipeline.ProviderFailure(a.id, 200, false, errors.New("response carries no choices"))
	}
	truncated := gjson.GetBytes(body, "choices.0.finish_reason").String() == "length"
	return Result{
		Content:    content.String(),
		TokensUsed: int(gjson.GetBytes(body, "usage.total_tokens").Int()),
		Confidence: penalise(a.confidence, truncated),
		Truncated:  truncated,
	}, nil
}

func (a *RemoteA) payload(req pipeline.Request) ([]byte, error) {
	body, err := sjson.SetBytes(nil, "model", a.model)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "messages", []map[string]string{
		{"role": "system", "content": SystemPrompt(req.TaskType())},
		{"role": "user", "content": UserMessage(req)},
	})
	if err != nil {
		return nil, err
	}
	if a.maxTokens > 0 {
		body, err = sjson.SetBytes(body, "max_tokens", a.maxTokens)
		if err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(body, "user", req.ID())
}

func bearer(key string) string {
	if key == "" {
		return ""
	}
	return "Bearer " + key
}
