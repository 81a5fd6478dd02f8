package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootWiresComponentsAFToF(t *testing.T) {
	hooks := StaticHooks{
		Regions: []Region{{Base: 0, Count: 4096}},
		CPUs:    4,
	}
	k, err := Boot(Config{}, hooks)
	require.NoError(t, err)
	require.NotNil(t, k.Frames)
	require.NotNil(t, k.Slabs)
	require.NotNil(t, k.Threads)
	require.NotNil(t, k.WorkQ)
	assert.Equal(t, 4, k.Config.CPUCount)

	// Component E: thread creation/start/join works end to end.
	th, err := k.Threads.Create(nil, func(arg any) {}, nil, false, true, 0)
	require.NoError(t, err)
	k.Threads.Start(th)
	th.Join()
	k.Threads.Release(th)

	// Component F: the global work queue runs an item.
	done := make(chan struct{})
	require.True(t, k.WorkQ.Enqueue(func() { close(done) }, true))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("work queue never ran the enqueued item")
	}

	k.Shutdown()
}

func TestBootDerivesCPUCountFromHooksWhenConfigOmitsIt(t *testing.T) {
	hooks := StaticHooks{Regions: []Region{{Base: 0, Count: 16}}, CPUs: 3}
	k, err := Boot(Config{}, hooks)
	require.NoError(t, err)
	assert.Equal(t, 3, k.Config.CPUCount)
	k.Shutdown()
}

func TestBootHonorsReservedRegions(t *testing.T) {
	// Reserved regions must be disjoint from the available regions: in
	// the original kernel, frame_mark_unavailable carves reserved frames
	// out of an already-described zone; here a reserved zone is a
	// separate, non-overlapping span and, like every zone, sized to a
	// power of two, per frame.CreateZone's contract.
	hooks := StaticHooks{Regions: []Region{{Base: 128, Count: 128}}, CPUs: 2}
	k, err := Boot(Config{ReservedRegions: []Region{{Base: 0, Count: 128}}}, hooks)
	require.NoError(t, err)
	stats := k.Frames.Stats()
	assert.Equal(t, 2, stats.Zones)
	assert.Equal(t, uint64(256), stats.Frames)
	k.Shutdown()
}
