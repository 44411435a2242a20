package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

func TestRegisterPreservesOrderAndRejectsDuplicates(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Descriptor{ID: "remote-b", Kind: KindRemoteB, Available: true}))
	require.NoError(t, reg.Register(Descriptor{ID: "remote-a", Kind: KindRemoteA, Available: true}))
	require.NoError(t, reg.Register(Descriptor{ID: "local", Kind: KindLocal, Available: true}))

	require.Error(t, reg.Register(Descriptor{ID: "remote-a", Kind: KindRemoteA}))
	require.Error(t, reg.Register(Descriptor{ID: " ", Kind: KindRemoteA}))
	require.Error(t, reg.Register(Descriptor{ID: "x", Kind: "carrier-pigeon"}))
	require.Error(t, reg.Register(Descriptor{ID: "y", Kind: KindRemoteA, PricePerKToken: -1}))

	ids := make([]string, 0, 3)
	for _, d := range reg.Ordered() {
		ids = append(ids, d.ID)
	}
	require.Equal(t, []string{"remote-b", "remote-a", "local"}, ids)
	require.Equal(t, 3, reg.Len())
}

func TestLookupReturnsDetachedCopy(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Descriptor{
		ID:           "remote-a",
		Kind:         KindRemoteA,
		Capabilities: []pipeline.TaskType{pipeline.TaskReview},
	}))

	d, ok := reg.Lookup("remote-a")
	require.True(t, ok)
	d.Capabilities[0] = pipeline.TaskGeneration

	again, _ := reg.Lookup("remote-a")
	require.True(t, again.Supports(pipeline.TaskReview))
	require.False(t, again.Supports(pipeline.TaskGeneration))
	require.False(t, again.Offline())
}

func TestApplyUpdates(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Descriptor{ID: "remote-a", Kind: KindRemoteA, Available: true, PricePerKToken: 0.01}))

	off := false
	price := 0.02
	applied, unknown := reg.Apply([]Update{
		{ID: "remote-a", Available: &off, PricePerKToken: &price},
		{ID: "ghost", Available: &off},
	})
	require.Equal(t, 1, applied)
	require.Equal(t, []string{"ghost"}, unknown)

	d, _ := reg.Lookup("remote-a")
	require.False(t, d.Available)
	require.InDelta(t, 0.02, d.PricePerKToken, 1e-9)

	require.NoError(t, reg.SetAvailable("remote-a", true))
	d, _ = reg.Lookup("remote-a")
	require.True(t, d.Available)
	require.Error(t, reg.SetAvailable("ghost", true))
}
