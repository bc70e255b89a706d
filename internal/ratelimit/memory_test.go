package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGovernorEnforcesLimit(t *testing.T) {
	g := NewMemoryGovernor(time.Minute)
	defer g.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := g.CheckLimit(ctx, "user@example.com", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
		require.NoError(t, g.Increment(ctx, "user@example.com", time.Minute))
	}

	allowed, err := g.CheckLimit(ctx, "user@example.com", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other keys are unaffected.
	allowed, err = g.CheckLimit(ctx, "other@example.com", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryGovernorCheckDoesNotMutate(t *testing.T) {
	g := NewMemoryGovernor(time.Minute)
	defer g.Stop()
	ctx := context.Background()

	require.NoError(t, g.Increment(ctx, "k", time.Minute))
	require.NoError(t, g.Increment(ctx, "k", time.Minute))

	// Repeated checks never consume quota.
	for i := 0; i < 10; i++ {
		allowed, err := g.CheckLimit(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestMemoryGovernorWindowReset(t *testing.T) {
	g := NewMemoryGovernor(time.Minute)
	defer g.Stop()
	ctx := context.Background()

	window := 30 * time.Millisecond
	require.NoError(t, g.Increment(ctx, "k", window))

	allowed, err := g.CheckLimit(ctx, "k", 1, window)
	require.NoError(t, err)
	assert.False(t, allowed)

	time.Sleep(window + 20*time.Millisecond)

	allowed, err = g.CheckLimit(ctx, "k", 1, window)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryGovernorSweep(t *testing.T) {
	g := NewMemoryGovernor(time.Minute)
	defer g.Stop()
	ctx := context.Background()

	require.NoError(t, g.Increment(ctx, "stale", 10*time.Millisecond))
	require.NoError(t, g.Increment(ctx, "fresh", time.Minute))

	time.Sleep(30 * time.Millisecond)
	g.sweep()

	assert.Nil(t, g.shardFor("stale").entries["stale"])
	assert.NotNil(t, g.shardFor("fresh").entries["fresh"])
}

func TestMemoryGovernorStop(t *testing.T) {
	g := NewMemoryGovernor(time.Minute)
	require.NoError(t, g.HealthCheck(context.Background()))

	g.Stop()
	g.Stop() // idempotent

	assert.Error(t, g.HealthCheck(context.Background()))
}
