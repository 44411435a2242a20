package cache

import (
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// DefaultTTL is the policy default used when a ResponseCache is built without
// a policy.
const DefaultTTL = time.Hour

// TTLOverride pins a TTL for a provider, a task, or both. Empty fields match
// anything. A zero TTL disables caching for the matching scope.
type TTLOverride struct {
	Provider string
	Task     pipeline.TaskType
	TTL      time.Duration
}

// TTLPolicy resolves how long a completed response stays servable. A zero
// Default disables caching for everything no override matches.
type TTLPolicy struct {
	Default   time.Duration
	MaxTTL    time.Duration
	Overrides []TTLOverride
}

// EffectiveTTL computes the TTL for a response produced by provider for task.
//
// Hierarchy (highest to lowest precedence):
//  1. Non-provider outcomes → Always 0 (fallback answers are never cached)
//  2. Override matching provider and task
//  3. Override matching task only
//  4. Override matching provider only
//  5. Policy default
//
// The result is capped by MaxTTL when it is positive.
func (p TTLPolicy) EffectiveTTL(provider string, task pipeline.TaskType, outcome pipeline.Outcome) time.Duration {
	if outcome != pipeline.OutcomeProviderSuccess {
		return 0
	}

	ttl, ok := p.override(provider, task)
	if !ok {
		ttl = p.Default
	}
	if ttl <= 0 {
		return 0
	}
	if p.MaxTTL > 0 && p.MaxTTL < ttl {
		ttl = p.MaxTTL
	}
	return ttl
}

// DefaultPolicy caches every provider answer for DefaultTTL.
func DefaultPolicy() TTLPolicy {
	return TTLPolicy{Default: DefaultTTL}
}

func (p TTLPolicy) override(provider string, task pipeline.TaskType) (time.Duration, bool) {
	var (
		taskOnly, providerOnly     time.Duration
		haveTaskOnly, haveProvider bool
	)
	for _, o := range p.Overrides {
		switch {
		case o.Provider != "" && o.Task != "":
			if o.Provider == provider && o.Task == task {
				return o.TTL, true
			}
		case o.Task != "":
			if o.Task == task && !haveTaskOnly {
				taskOnly, haveTaskOnly = o.TTL, true
			}
		case o.Provider != "":
			if o.Provider == provider && !haveProvider {
				providerOnly, haveProvider = o.TTL, true
			}
		}
	}
	if haveTaskOnly {
		return taskOnly, true
	}
	if haveProvider {
		return providerOnly, true
	}
	return 0, false
}
