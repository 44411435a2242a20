package expr

import (
	"fmt"
	"strings"

	"github.com/l0p7/aidispatch/internal/templates"
)

// HybridEvaluator compiles sources that are either Go templates or CEL value
// expressions. Sources containing "{{" are treated as templates.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer
}

func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	celEnv, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	return &HybridEvaluator{celEnv: celEnv, renderer: renderer}, nil
}

// Compiled is a prepared hybrid source. The zero value renders an empty string.
type Compiled struct {
	name     string
	template *templates.Template
	program  *Program
}

// Compile prepares source once so it can be rendered many times.
func (h *HybridEvaluator) Compile(name, source string) (Compiled, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return Compiled{name: name}, nil
	}
	if strings.Contains(trimmed, "{{") {
		tmpl, err := h.renderer.CompileInline(name, source)
		if err != nil {
			return Compiled{}, fmt.Errorf("hybrid: compile template: %w", err)
		}
		return Compiled{name: name, template: tmpl}, nil
	}
	prog, err := h.celEnv.CompileValue(trimmed)
	if err != nil {
		return Compiled{}, fmt.Errorf("hybrid: compile CEL: %w", err)
	}
	return Compiled{name: name, program: &prog}, nil
}

// CompileFile loads a template file through the renderer's sandbox.
func (h *HybridEvaluator) CompileFile(path string) (Compiled, error) {
	tmpl, err := h.renderer.CompileFile(path)
	if err != nil {
		return Compiled{}, fmt.Errorf("hybrid: compile file: %w", err)
	}
	return Compiled{name: tmpl.Name(), template: tmpl}, nil
}

// Evaluate compiles and renders expression in one step.
func (h *HybridEvaluator) Evaluate(expression string, vars map[string]any) (string, error) {
	compiled, err := h.Compile("inline", expression)
	if err != nil {
		return "", err
	}
	return compiled.Render(vars)
}

func (c Compiled) Name() string { return c.name }

// Render executes the prepared source. CEL results are formatted with fmt.Sprint.
func (c Compiled) Render(vars map[string]any) (string, error) {
	switch {
	case c.template != nil:
		out, err := c.template.Render(vars)
		if err != nil {
			return "", fmt.Errorf("hybrid: render template: %w", err)
		}
		return out, nil
	case c.program != nil:
		val, err := c.program.Eval(vars)
		if err != nil {
			return "", fmt.Errorf("hybrid: evaluate CEL: %w", err)
		}
		if s, ok := val.(string); ok {
			return s, nil
		}
		return fmt.Sprint(val), nil
	}
	return "", nil
}
