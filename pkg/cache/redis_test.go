package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	store, err := NewRedisStore("redis://localhost:6379/0")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	// Isolate from other runs sharing the server.
	store.prefix = "judgment-test:" + uuid.NewString() + ":"
	tag := contracts.VersionTag("line", "1.0.0")

	require.NoError(t, store.Put(ctx, "fp1", verdict(contracts.OutcomeCritical, 0.9), time.Minute, tag))
	require.NoError(t, store.Put(ctx, "fp2", verdict(contracts.OutcomeNormal, 0.8), time.Minute, tag))

	v, ok, err := store.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, contracts.OutcomeCritical, v.Outcome)
	assert.Equal(t, []string{"rule matched"}, v.Rationale)

	n, err := store.InvalidateTag(ctx, tag)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err = store.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)
}
