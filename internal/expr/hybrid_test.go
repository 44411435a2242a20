package expr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/templates"
)

func TestHybridEvaluator(t *testing.T) {
	evaluator, err := NewHybridEvaluator(templates.NewRenderer(nil))
	require.NoError(t, err)
	vars := RequestActivation(testRequest())

	tests := []struct {
		name       string
		expression string
		want       string
		wantErr    bool
	}{
		{name: "template", expression: `{{ .task }}: {{ .tags.language }}`, want: "debugging: go"},
		{name: "cel string", expression: `"offline answer for " + task`, want: "offline answer for debugging"},
		{name: "cel number", expression: `promptLength * 2`, want: "40"},
		{name: "empty", expression: "   ", want: ""},
		{name: "bad cel", expression: `task +`, wantErr: true},
		{name: "bad template", expression: `{{ .task `, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tc.expression, vars)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHybridCompileReuse(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)

	compiled, err := evaluator.Compile("review", `{{ firstLine .prompt }}`)
	require.NoError(t, err)
	require.Equal(t, "review", compiled.Name())

	for i := 0; i < 3; i++ {
		out, err := compiled.Render(map[string]any{"prompt": "line one\nline two"})
		require.NoError(t, err)
		require.Equal(t, "line one", out)
	}

	var zero Compiled
	out, err := zero.Render(nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestHybridCompileFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "generation.tmpl"), []byte("draft for {{ .prompt }}"), 0o600))
	sandbox, err := templates.NewSandbox(dir)
	require.NoError(t, err)

	evaluator, err := NewHybridEvaluator(templates.NewRenderer(sandbox))
	require.NoError(t, err)

	compiled, err := evaluator.CompileFile("generation.tmpl")
	require.NoError(t, err)
	out, err := compiled.Render(map[string]any{"prompt": "a lexer"})
	require.NoError(t, err)
	require.Equal(t, "draft for a lexer", out)

	_, err = evaluator.CompileFile("../outside.tmpl")
	require.Error(t, err)
}
