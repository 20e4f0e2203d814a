package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDetectionCache(t *testing.T) (*DetectionCacheRepo, func(d time.Duration)) {
	rdb, mr := setupTestRedis(t)
	t.Cleanup(func() { mr.Close() })
	return NewDetectionCacheRepo(rdb, testLogger()), mr.FastForward
}

func TestDetectionMarkAndCheck(t *testing.T) {
	repo, _ := setupDetectionCache(t)
	ctx := context.Background()

	processed, err := repo.IsProcessed(ctx, DetectionNamespaceBounce, "abc123")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, repo.MarkProcessed(ctx, DetectionNamespaceBounce, "abc123"))

	processed, err = repo.IsProcessed(ctx, DetectionNamespaceBounce, "abc123")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestDetectionNamespacesIndependent(t *testing.T) {
	repo, _ := setupDetectionCache(t)
	ctx := context.Background()

	require.NoError(t, repo.MarkProcessed(ctx, DetectionNamespaceBounce, "abc123"))

	processed, err := repo.IsProcessed(ctx, DetectionNamespaceReply, "abc123")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestDetectionMarkerTTLs(t *testing.T) {
	repo, fastForward := setupDetectionCache(t)
	ctx := context.Background()

	require.NoError(t, repo.MarkProcessed(ctx, DetectionNamespaceBounce, "b1"))
	require.NoError(t, repo.MarkProcessed(ctx, DetectionNamespaceReply, "r1"))

	// Bounce markers expire after 7 days, reply markers survive.
	fastForward(8 * 24 * time.Hour)

	processed, err := repo.IsProcessed(ctx, DetectionNamespaceBounce, "b1")
	require.NoError(t, err)
	assert.False(t, processed)

	processed, err = repo.IsProcessed(ctx, DetectionNamespaceReply, "r1")
	require.NoError(t, err)
	assert.True(t, processed)

	fastForward(25 * 24 * time.Hour)

	processed, err = repo.IsProcessed(ctx, DetectionNamespaceReply, "r1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestDetectionMarkBatch(t *testing.T) {
	repo, _ := setupDetectionCache(t)
	ctx := context.Background()

	ids := []string{"m1", "m2", "m3"}
	require.NoError(t, repo.MarkProcessedBatch(ctx, DetectionNamespaceReply, ids))

	for _, id := range ids {
		processed, err := repo.IsProcessed(ctx, DetectionNamespaceReply, id)
		require.NoError(t, err)
		assert.True(t, processed, "id %s should be marked", id)
	}

	require.NoError(t, repo.MarkProcessedBatch(ctx, DetectionNamespaceReply, nil))
}

func TestFinalClassificationFirstWriterWins(t *testing.T) {
	repo, _ := setupDetectionCache(t)
	ctx := context.Background()

	won, final, err := repo.ClaimFinalClassification(ctx, "abc123", "bounce")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "bounce", final)

	// A concurrent reply claim for the same message loses and sees the
	// winning classification.
	won, final, err = repo.ClaimFinalClassification(ctx, "abc123", "reply")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "bounce", final)
}

func TestFinalClassificationStoreErrorTreatedAsWon(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	t.Cleanup(func() { mr.Close() })
	repo := NewDetectionCacheRepo(rdb, testLogger())
	ctx := context.Background()

	mr.SetError("connection reset by peer")

	won, final, err := repo.ClaimFinalClassification(ctx, "abc123", "bounce")
	assert.Error(t, err)
	assert.True(t, won)
	assert.Equal(t, "bounce", final)
}

func TestDetectionNilClientFailsOpen(t *testing.T) {
	repo := NewDetectionCacheRepo(nil, testLogger())
	ctx := context.Background()

	processed, err := repo.IsProcessed(ctx, DetectionNamespaceBounce, "abc123")
	assert.ErrorIs(t, err, ErrCoordinationUnavailable)
	assert.False(t, processed)

	won, final, err := repo.ClaimFinalClassification(ctx, "abc123", "bounce")
	assert.ErrorIs(t, err, ErrCoordinationUnavailable)
	assert.True(t, won)
	assert.Equal(t, "bounce", final)
}
