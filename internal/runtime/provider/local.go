package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/l0p7/aidispatch/internal/expr"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/templates"
)

var defaultLocalTemplates = map[pipeline.TaskType]string{
	pipeline.TaskGeneration:  `[offline] Remote providers are unavailable. Sketch for: {{ firstLine .prompt }}{{ with .tags.language }} ({{ . }}){{ end }}. Resubmit later for a complete implementation.`,
	pipeline.TaskExplanation: `[offline] Remote providers are unavailable. The request concerns: {{ excerpt 200 .prompt }}`,
	pipeline.TaskDebugging:   `[offline] Remote providers are unavailable. Reproduce the failure{{ with .tags.error }} reported as "{{ . }}"{{ end }}, then bisect recent changes touching {{ default "the affected code" .tags.file }}.`,
	pipeline.TaskReview:      `[offline] Remote providers are unavailable. Automated review deferred for: {{ firstLine .prompt }}`,
}

const localStaticAnswer = "[offline] Remote providers are unavailable. Please retry this request later."

// TemplateSet holds one compiled fallback template per task.
type TemplateSet struct {
	byTask map[pipeline.TaskType]expr.Compiled
}

// LoadTemplates resolves the fallback template for every task. Inline sources
// win, then "<task>.tmpl" or "<task>.tpl" inside sandbox, then the built-in text.
func LoadTemplates(evaluator *expr.HybridEvaluator, sandbox *templates.Sandbox, inline map[pipeline.TaskType]string) (*TemplateSet, error) {
	if evaluator == nil {
		var err error
		evaluator, err = expr.NewHybridEvaluator(templates.NewRenderer(sandbox))
		if err != nil {
			return nil, err
		}
	}
	set := &TemplateSet{byTask: make(map[pipeline.TaskType]expr.Compiled, len(pipeline.TaskTypes()))}
	for _, task := range pipeline.TaskTypes() {
		var (
			compiled expr.Compiled
			err      error
		)
		if source, ok := inline[task]; ok && source != "" {
			compiled, err = evaluator.Compile(string(task), source)
		} else if path, found := sandbox.Find(string(task), ".tmpl", ".tpl"); found {
			compiled, err = evaluator.CompileFile(path)
		} else {
			compiled, err = evaluator.Compile(string(task), defaultLocalTemplates[task])
		}
		if err != nil {
			return nil, fmt.Errorf("provider: fallback template for %s: %w", task, err)
		}
		set.byTask[task] = compiled
	}
	return set, nil
}

func (s *TemplateSet) render(req pipeline.Request) (string, error) {
	if s == nil {
		return "", fmt.Errorf("provider: no fallback templates")
	}
	compiled, ok := s.byTask[req.TaskType()]
	if !ok {
		return "", fmt.Errorf("provider: no fallback template for %s", req.TaskType())
	}
	return compiled.Render(expr.RequestActivation(req))
}

// Local is the on-device fallback. It has no network dependency and never
// returns an error; a template failure degrades to a static answer.
type Local struct {
	id         string
	templates  *TemplateSet
	confidence float64
}

func NewLocal(id string, set *TemplateSet, confidence float64) *Local {
	if set == nil {
		set, _ = LoadTemplates(nil, nil, nil)
	}
	return &Local{id: id, templates: set, confidence: clampConfidence(confidence, defaultLocalConfidence)}
}

func (l *Local) ID() string { return l.id }

func (l *Local) Submit(_ context.Context, req pipeline.Request, _ time.Duration) (Result, error) {
	content, err := l.templates.render(req)
	if err != nil || content == "" {
		content = localStaticAnswer
	}
	return Result{Content: content, Confidence: l.confidence}, nil
}
