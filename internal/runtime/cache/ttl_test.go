package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

func TestEffectiveTTL_Default(t *testing.T) {
	require.Equal(t, DefaultTTL, DefaultPolicy().EffectiveTTL("remote-a", pipeline.TaskReview, pipeline.OutcomeProviderSuccess))

	policy := TTLPolicy{Default: 10 * time.Minute}
	require.Equal(t, 10*time.Minute, policy.EffectiveTTL("remote-a", pipeline.TaskReview, pipeline.OutcomeProviderSuccess))
}

func TestEffectiveTTL_ZeroDefaultDisablesCaching(t *testing.T) {
	policy := TTLPolicy{Overrides: []TTLOverride{{Task: pipeline.TaskDebugging, TTL: time.Minute}}}
	require.Equal(t, time.Duration(0), policy.EffectiveTTL("remote-a", pipeline.TaskReview, pipeline.OutcomeProviderSuccess))
	require.Equal(t, time.Minute, policy.EffectiveTTL("remote-a", pipeline.TaskDebugging, pipeline.OutcomeProviderSuccess))
}

func TestEffectiveTTL_NonProviderOutcomesNeverCached(t *testing.T) {
	policy := TTLPolicy{Default: time.Hour}
	for _, outcome := range []pipeline.Outcome{pipeline.OutcomeFallbackSuccess, pipeline.OutcomeHardFailure, pipeline.OutcomeCacheHit} {
		require.Equal(t, time.Duration(0), policy.EffectiveTTL("local", pipeline.TaskReview, outcome), string(outcome))
	}
}

func TestEffectiveTTL_OverridePrecedence(t *testing.T) {
	policy := TTLPolicy{
		Default: time.Hour,
		Overrides: []TTLOverride{
			{Provider: "remote-a", TTL: 30 * time.Minute},
			{Task: pipeline.TaskDebugging, TTL: 5 * time.Minute},
			{Provider: "remote-a", Task: pipeline.TaskDebugging, TTL: time.Minute},
			{Task: pipeline.TaskGeneration, TTL: 0},
		},
	}

	tests := []struct {
		name     string
		provider string
		task     pipeline.TaskType
		want     time.Duration
	}{
		{name: "provider and task", provider: "remote-a", task: pipeline.TaskDebugging, want: time.Minute},
		{name: "task beats provider", provider: "remote-b", task: pipeline.TaskDebugging, want: 5 * time.Minute},
		{name: "provider only", provider: "remote-a", task: pipeline.TaskReview, want: 30 * time.Minute},
		{name: "default", provider: "remote-b", task: pipeline.TaskReview, want: time.Hour},
		{name: "zero disables caching", provider: "remote-a", task: pipeline.TaskGeneration, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, policy.EffectiveTTL(tc.provider, tc.task, pipeline.OutcomeProviderSuccess))
		})
	}
}

func TestEffectiveTTL_MaxCeiling(t *testing.T) {
	policy := TTLPolicy{
		Default:   time.Hour,
		MaxTTL:    15 * time.Minute,
		Overrides: []TTLOverride{{Task: pipeline.TaskReview, TTL: 5 * time.Minute}},
	}
	require.Equal(t, 15*time.Minute, policy.EffectiveTTL("x", pipeline.TaskExplanation, pipeline.OutcomeProviderSuccess))
	require.Equal(t, 5*time.Minute, policy.EffectiveTTL("x", pipeline.TaskReview, pipeline.OutcomeProviderSuccess))
}
