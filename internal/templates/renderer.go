package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles and executes fallback answer templates. File-backed
// templates resolve through the sandbox root so configuration cannot point
// outside the templates folder.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template represents a compiled template ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer bound to sandbox. A nil sandbox disables
// file-backed templates.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	// Templates see only the request data they are handed.
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	r := &Renderer{sandbox: sandbox, funcs: make(template.FuncMap, len(funcs)+2)}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	r.funcs["firstLine"] = firstLine
	r.funcs["excerpt"] = excerpt
	return r
}

// Sandbox exposes the renderer's sandbox primarily for testing.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses an inline template source. Empty sources return nil
// without error so optional configuration fields stay optional.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile resolves and parses a template file via the sandbox.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	tmpl, err := r.CompileInline(filepath.Base(resolved), string(contents))
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("templates: %q is empty", path)
	}
	return tmpl, nil
}

// Render executes the compiled template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

// excerpt shortens s to at most n runes, appending an ellipsis when cut.
func excerpt(n int, s string) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
