package routing

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/l0p7/aidispatch/internal/expr"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
)

// Reason records which resolution step selected a provider.
type Reason string

const (
	ReasonOverride   Reason = "override"
	ReasonPolicy     Reason = "policy"
	ReasonCapability Reason = "capability"
	ReasonFallback   Reason = "fallback"
)

// Rule maps a task to a preferred provider. When is an optional CEL condition
// evaluated against the request; an empty When always matches.
type Rule struct {
	Task     pipeline.TaskType
	Provider string
	When     string
}

type Decision struct {
	ProviderID string
	Reason     Reason
}

type compiledRule struct {
	task     pipeline.TaskType
	provider string
	when     *expr.Program
}

// Router resolves a request to a provider id. It holds no per-request state.
type Router struct {
	registry *registry.Registry
	rules    []compiledRule
	logger   *slog.Logger
}

// New compiles rules against env. env may be nil when no rule carries a condition.
func New(reg *registry.Registry, env *expr.Environment, rules []Rule, logger *slog.Logger) (*Router, error) {
	if reg == nil {
		return nil, fmt.Errorf("routing: registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if !rule.Task.Valid() {
			return nil, fmt.Errorf("routing: policy[%d]: unknown task %q", i, rule.Task)
		}
		provider := strings.TrimSpace(rule.Provider)
		if provider == "" {
			return nil, fmt.Errorf("routing: policy[%d]: provider required", i)
		}
		cr := compiledRule{task: rule.Task, provider: provider}
		if strings.TrimSpace(rule.When) != "" {
			if env == nil {
				return nil, fmt.Errorf("routing: policy[%d]: condition requires an expression environment", i)
			}
			program, err := env.Compile(rule.When)
			if err != nil {
				return nil, fmt.Errorf("routing: policy[%d]: %w", i, err)
			}
			cr.when = &program
		}
		compiled = append(compiled, cr)
	}
	return &Router{registry: reg, rules: compiled, logger: logger.With(slog.String("agent", "router"))}, nil
}

// Resolve picks a provider for req, skipping any id in exclude. The order is:
// explicit override, policy entry, first capable remote in registration
// order, then the offline fallback.
func (r *Router) Resolve(req pipeline.Request, exclude map[string]struct{}) (Decision, error) {
	task := req.TaskType()
	usable := func(id string) (registry.Descriptor, bool) {
		if _, skip := exclude[id]; skip {
			return registry.Descriptor{}, false
		}
		d, ok := r.registry.Lookup(id)
		if !ok || !d.Available || !d.Supports(task) {
			return registry.Descriptor{}, false
		}
		return d, true
	}

	if override := req.ProviderOverride(); override != "" {
		if _, ok := usable(override); ok {
			return Decision{ProviderID: override, Reason: ReasonOverride}, nil
		}
		r.logger.Debug("override not usable", slog.String("provider", override), slog.String("task", string(task)))
	}

	if id, ok := r.policyEntry(req); ok {
		if _, ok := usable(id); ok {
			return Decision{ProviderID: id, Reason: ReasonPolicy}, nil
		}
	}

	ordered := r.registry.Ordered()
	for _, d := range ordered {
		if d.Offline() {
			continue
		}
		if _, ok := usable(d.ID); ok {
			return Decision{ProviderID: d.ID, Reason: ReasonCapability}, nil
		}
	}
	for _, d := range ordered {
		if !d.Offline() {
			continue
		}
		if _, ok := usable(d.ID); ok {
			return Decision{ProviderID: d.ID, Reason: ReasonFallback}, nil
		}
	}
	return Decision{}, pipeline.Unavailable(task)
}

// policyEntry returns the provider of the first rule for the request's task
// whose condition holds. A condition that fails to evaluate does not match.
func (r *Router) policyEntry(req pipeline.Request) (string, bool) {
	var vars map[string]any
	for _, rule := range r.rules {
		if rule.task != req.TaskType() {
			continue
		}
		if rule.when == nil {
			return rule.provider, true
		}
		if vars == nil {
			vars = expr.RequestActivation(req)
		}
		matched, err := rule.when.EvalBool(vars)
		if err != nil {
			r.logger.Warn("routing condition failed", slog.String("condition", rule.when.Source()), slog.Any("error", err))
			continue
		}
		if matched {
			return rule.provider, true
		}
	}
	return "", false
}
