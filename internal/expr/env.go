package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// Environment builds and compiles CEL programs against a request activation.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the variables routing conditions and fallback
// expressions may reference: task, prompt, promptLength, tags and override.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("task", cel.StringType),
		cel.Variable("prompt", cel.StringType),
		cel.Variable("promptLength", cel.IntType),
		cel.Variable("tags", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("override", cel.StringType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// RequestActivation exposes req under the variable names declared by NewEnvironment.
func RequestActivation(req pipeline.Request) map[string]any {
	tags := make(map[string]any, len(req.Tags()))
	for key, value := range req.TagMap() {
		tags[key] = value
	}
	return map[string]any{
		"task":         string(req.TaskType()),
		"prompt":       req.Prompt(),
		"promptLength": int64(len(req.Prompt())),
		"tags":         tags,
		"override":     req.ProviderOverride(),
	}
}

// Program wraps a compiled CEL program.
type Program struct {
	source   string
	program  cel.Program
	wantBool bool
}

// Compile prepares the program for execution, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

// CompileValue prepares the program without enforcing a boolean result.
func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

// EvalBool executes the program against the provided activation and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	if !p.wantBool {
		return false, fmt.Errorf("expr: program %q does not return a boolean", p.source)
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// Eval executes the CEL program and returns the raw value.
func (p Program) Eval(vars map[string]any) (any, error) {
	if p.program == nil {
		return nil, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	return val.Value(), nil
}

func (e *Environment) compile(expression string, wantBool bool) (Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if wantBool {
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return Program{}, fmt.Errorf("expr: %q must return bool, got %s", src, cel.FormatCELType(t))
		}
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Program{source: src, program: program, wantBool: wantBool}, nil
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
