package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDPoPJtiStoreCheckAndMarkDetectsReplay(t *testing.T) {
	d := NewDPoPJtiStore()
	ctx := context.Background()

	require.True(t, d.CheckAndMark(ctx, "jkt-1", "jti-1", time.Minute))
	require.False(t, d.CheckAndMark(ctx, "jkt-1", "jti-1", time.Minute), "a repeated (jkt, jti) within the ttl must be rejected")
}

func TestDPoPJtiStoreDistinctKeysAreIndependent(t *testing.T) {
	d := NewDPoPJtiStore()
	ctx := context.Background()

	require.True(t, d.CheckAndMark(ctx, "jkt-1", "jti-1", time.Minute))
	require.True(t, d.CheckAndMark(ctx, "jkt-1", "jti-2", time.Minute))
	require.True(t, d.CheckAndMark(ctx, "jkt-2", "jti-1", time.Minute))
}

func TestDPoPJtiStoreGarbageCollect(t *testing.T) {
	d := NewDPoPJtiStore()
	ctx := context.Background()
	require.True(t, d.CheckAndMark(ctx, "jkt-1", "jti-1", time.Minute))

	removed := d.GarbageCollect(ctx, time.Now().Add(2*time.Minute))
	require.Equal(t, 1, removed)

	// after GC, the same (jkt, jti) pair is treated as fresh again
	require.True(t, d.CheckAndMark(ctx, "jkt-1", "jti-1", time.Minute))
}
