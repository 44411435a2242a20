package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

const defaultMaxPromptLength = 32 * 1024

// Options tunes normalization and fingerprinting.
type Options struct {
	// MaxPromptLength caps the normalized prompt in bytes. Zero selects the default.
	MaxPromptLength int
	// Salt is mixed into every fingerprint so separate deployments never share keys.
	Salt string
	// IncludeOverride folds the provider override into the fingerprint.
	IncludeOverride bool
	Now             func() time.Time
	NewID           func() string
}

// Input is the raw caller submission.
type Input struct {
	TaskType         string
	Prompt           string
	Tags             []pipeline.ContextTag
	ProviderOverride string
	Deadline         time.Time
}

// Normalizer validates caller input and produces the canonical request plus
// its fingerprint.
type Normalizer struct {
	maxPrompt       int
	salt            string
	includeOverride bool
	now             func() time.Time
	newID           func() string
}

func NewNormalizer(opts Options) *Normalizer {
	n := &Normalizer{
		maxPrompt:       opts.MaxPromptLength,
		salt:            opts.Salt,
		includeOverride: opts.IncludeOverride,
		now:             opts.Now,
		newID:           opts.NewID,
	}
	if n.maxPrompt <= 0 {
		n.maxPrompt = defaultMaxPromptLength
	}
	if n.now == nil {
		n.now = time.Now
	}
	if n.newID == nil {
		n.newID = uuid.NewString
	}
	return n
}

// Normalize rejects malformed input with a validation error and otherwise
// returns the frozen request and its fingerprint.
func (n *Normalizer) Normalize(in Input) (pipeline.Request, pipeline.Fingerprint, error) {
	task, ok := pipeline.ParseTaskType(in.TaskType)
	if !ok {
		return pipeline.Request{}, "", pipeline.Validationf("unknown task type %q", in.TaskType)
	}
	prompt := NormalizePrompt(in.Prompt)
	if prompt == "" {
		return pipeline.Request{}, "", pipeline.Validationf("prompt must not be empty")
	}
	if len(prompt) > n.maxPrompt {
		return pipeline.Request{}, "", pipeline.Validationf("prompt length %d exceeds limit %d", len(prompt), n.maxPrompt)
	}
	tags, err := NormalizeTags(in.Tags)
	if err != nil {
		return pipeline.Request{}, "", err
	}
	now := n.now()
	if !in.Deadline.IsZero() && !in.Deadline.After(now) {
		return pipeline.Request{}, "", pipeline.Validationf("deadline %s already passed", in.Deadline.UTC().Format(time.RFC3339Nano))
	}

	req := pipeline.NewRequest(pipeline.RequestSpec{
		ID:               n.newID(),
		TaskType:         task,
		Prompt:           prompt,
		Tags:             tags,
		ProviderOverride: strings.TrimSpace(in.ProviderOverride),
		Deadline:         in.Deadline,
		CreatedAt:        now.UTC(),
	})
	return req, Fingerprint(req, n.salt, n.includeOverride), nil
}

// NormalizePrompt trims surrounding whitespace and converts CRLF and lone CR
// line endings to LF.
func NormalizePrompt(raw string) string {
	prompt := strings.ReplaceAll(raw, "\r\n", "\n")
	prompt = strings.ReplaceAll(prompt, "\r", "\n")
	return strings.TrimSpace(prompt)
}

// NormalizeTags trims and lower-cases keys, trims values, drops exact
// duplicates and stable-sorts by (key, value).
func NormalizeTags(raw []pipeline.ContextTag) ([]pipeline.ContextTag, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[pipeline.ContextTag]struct{}, len(raw))
	out := make([]pipeline.ContextTag, 0, len(raw))
	for i, tag := range raw {
		key := pipeline.ContextKey(strings.ToLower(strings.TrimSpace(string(tag.Key))))
		if !key.Valid() {
			return nil, pipeline.Validationf("context[%d]: unsupported key %q", i, tag.Key)
		}
		value := strings.TrimSpace(tag.Value)
		if value == "" {
			return nil, pipeline.Validationf("context[%d]: value for %q must not be empty", i, key)
		}
		normalized := pipeline.ContextTag{Key: key, Value: value}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// Fingerprint hashes the semantic content of req. Every field is length
// prefixed so adjacent values cannot collide by concatenation.
func Fingerprint(req pipeline.Request, salt string, includeOverride bool) pipeline.Fingerprint {
	h := sha256.New()
	writeField(h, salt)
	writeField(h, string(req.TaskType()))
	writeField(h, req.Prompt())
	tags := req.Tags()
	writeField(h, strconv.Itoa(len(tags)))
	for _, tag := range tags {
		writeField(h, string(tag.Key))
		writeField(h, tag.Value)
	}
	if includeOverride {
		writeField(h, req.ProviderOverride())
	}
	return pipeline.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, value string) {
	h.Write([]byte(strconv.Itoa(len(value))))
	h.Write([]byte{':'})
	h.Write([]byte(value))
}
