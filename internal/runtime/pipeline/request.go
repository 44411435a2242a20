package pipeline

import (
	"strings"
	"time"
)

// TaskType enumerates the kinds of work callers may ask a provider to perform.
type TaskType string

const (
	TaskGeneration  TaskType = "generation"
	TaskExplanation TaskType = "explanation"
	TaskDebugging   TaskType = "debugging"
	TaskReview      TaskType = "review"
)

var taskTypes = []TaskType{TaskGeneration, TaskExplanation, TaskDebugging, TaskReview}

// TaskTypes lists every supported task type in declaration order.
func TaskTypes() []TaskType {
	out := make([]TaskType, len(taskTypes))
	copy(out, taskTypes)
	return out
}

// ParseTaskType matches raw input against the known task types, ignoring case
// and surrounding whitespace.
func ParseTaskType(raw string) (TaskType, bool) {
	candidate := TaskType(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, true
	}
	return "", false
}

func (t TaskType) Valid() bool {
	for _, known := range taskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ContextKey names one entry in the fixed context-tag vocabulary.
type ContextKey string

const (
	ContextLanguage  ContextKey = "language"
	ContextFile      ContextKey = "file"
	ContextFramework ContextKey = "framework"
	ContextSymbol    ContextKey = "symbol"
	ContextSelection ContextKey = "selection"
	ContextProject   ContextKey = "project"
	ContextError     ContextKey = "error"
	ContextAudience  ContextKey = "audience"
)

var contextKeys = []ContextKey{
	ContextLanguage,
	ContextFile,
	ContextFramework,
	ContextSymbol,
	ContextSelection,
	ContextProject,
	ContextError,
	ContextAudience,
}

// ContextKeys lists the accepted context keys.
func ContextKeys() []ContextKey {
	out := make([]ContextKey, len(contextKeys))
	copy(out, contextKeys)
	return out
}

func (k ContextKey) Valid() bool {
	for _, known := range contextKeys {
		if k == known {
			return true
		}
	}
	return false
}

// ContextTag is a single (key, value) pair describing the caller's working context.
type ContextTag struct {
	Key   ContextKey `json:"key"`
	Value string     `json:"value"`
}

// Fingerprint is the hex encoded digest identifying semantically identical requests.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// RequestSpec carries the fields used to build a Request.
type RequestSpec struct {
	ID               string
	TaskType         TaskType
	Prompt           string
	Tags             []ContextTag
	ProviderOverride string
	Deadline         time.Time
	CreatedAt        time.Time
}

// Request is the canonical, immutable form of a caller's task. Accessors hand
// out copies so no holder can mutate the shared value.
type Request struct {
	id        string
	taskType  TaskType
	prompt    string
	tags      []ContextTag
	override  string
	deadline  time.Time
	createdAt time.Time
}

// NewRequest freezes a RequestSpec into a Request. Input is expected to be
// normalized already; see admission.Normalizer.
func NewRequest(spec RequestSpec) Request {
	var tags []ContextTag
	if len(spec.Tags) > 0 {
		tags = make([]ContextTag, len(spec.Tags))
		copy(tags, spec.Tags)
	}
	return Request{
		id:        spec.ID,
		taskType:  spec.TaskType,
		prompt:    spec.Prompt,
		tags:      tags,
		override:  spec.ProviderOverride,
		deadline:  spec.Deadline,
		createdAt: spec.CreatedAt,
	}
}

func (r Request) ID() string               { return r.id }
func (r Request) TaskType() TaskType       { return r.taskType }
func (r Request) Prompt() string           { return r.prompt }
func (r Request) ProviderOverride() string { return r.override }
func (r Request) Deadline() time.Time      { return r.deadline }
func (r Request) CreatedAt() time.Time     { return r.createdAt }

// Tags returns a copy of the ordered context tags.
func (r Request) Tags() []ContextTag {
	if len(r.tags) == 0 {
		return nil
	}
	out := make([]ContextTag, len(r.tags))
	copy(out, r.tags)
	return out
}

// Tag returns the first value recorded for key.
func (r Request) Tag(key ContextKey) (string, bool) {
	for _, tag := range r.tags {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// TagMap flattens the tags into a map. Repeated keys are joined with ", " in
// tag order.
func (r Request) TagMap() map[string]string {
	out := make(map[string]string, len(r.tags))
	for _, tag := range r.tags {
		key := string(tag.Key)
		if existing, ok := out[key]; ok {
			out[key] = existing + ", " + tag.Value
			continue
		}
		out[key] = tag.Value
	}
	return out
}
