package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newFailedFixture(t *testing.T, cfg FailedOpsConfig) (*queueFixture, *FailedOps) {
	t.Helper()
	f := newQueueFixture(t)
	return f, NewFailedOps(f.store, f.queue, f.clock, zerolog.Nop(), nil, cfg)
}

func TestMoveToFailedPreservesIdempotencyKey(t *testing.T) {
	f, failed := newFailedFixture(t, DefaultFailedOpsConfig())
	ctx := context.Background()

	op, err := f.queue.Enqueue(ctx, vitalsOp("idem-1"))
	require.NoError(t, err)
	require.NoError(t, failed.MoveToFailed(ctx, op.ID, "network", "upstream unreachable"))

	// Gone from pending, present in failed with the same key.
	_, ok, err := f.queue.Get(ctx, op.ID)
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := failed.Get(ctx, op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "idem-1", got.IdempotencyKey)
	require.Equal(t, "network", got.ErrorCode)
	require.True(t, got.FailedAt.Equal(testEpoch))

	// The idempotency key is still burned: a new enqueue with it fails.
	_, err = f.queue.Enqueue(ctx, vitalsOp("idem-1"))
	require.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
}

func TestRetryRequeuesWithSameKey(t *testing.T) {
	f, failed := newFailedFixture(t, DefaultFailedOpsConfig())
	ctx := context.Background()

	op, err := f.queue.Enqueue(ctx, vitalsOp("idem-1"))
	require.NoError(t, err)
	_, err = f.queue.MarkAttempt(ctx, op.ID)
	require.NoError(t, err)
	require.NoError(t, failed.MoveToFailed(ctx, op.ID, "network", "timeout"))

	f.clock.Advance(time.Minute)
	requeued, err := failed.Retry(ctx, op.ID)
	require.NoError(t, err)
	require.NotEqual(t, op.ID, requeued.ID)
	require.Equal(t, "idem-1", requeued.IdempotencyKey)
	require.Equal(t, 2, requeued.Attempts)
	require.True(t, requeued.CreatedAt.Equal(testEpoch.Add(time.Minute)))

	// Failed record removed; pending has the new one.
	_, ok, err := failed.Get(ctx, op.ID)
	require.NoError(t, err)
	require.False(t, ok)
	got, ok, err := f.queue.Get(ctx, requeued.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusPending, got.Status)
}

func TestLimitsAndPoison(t *testing.T) {
	_, failed := newFailedFixture(t, FailedOpsConfig{
		MaxAttempts:     3,
		PoisonThreshold: 5,
		Retention:       time.Hour,
	})

	require.False(t, failed.ExceedsLimit(2))
	require.True(t, failed.ExceedsLimit(3))

	op := FailedOperation{PendingOperation: PendingOperation{Attempts: 4}}
	require.False(t, failed.IsPoison(op))
	op.Attempts = 5
	require.True(t, failed.IsPoison(op))
}

func TestListPoison(t *testing.T) {
	f, failed := newFailedFixture(t, FailedOpsConfig{
		MaxAttempts: 2, PoisonThreshold: 3, Retention: time.Hour,
	})
	ctx := context.Background()

	healthy, err := f.queue.Enqueue(ctx, vitalsOp("k1"))
	require.NoError(t, err)
	poison, err := f.queue.Enqueue(ctx, vitalsOp("k2"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.queue.MarkAttempt(ctx, poison.ID)
		require.NoError(t, err)
	}
	require.NoError(t, failed.MoveToFailed(ctx, healthy.ID, "x", "y"))
	require.NoError(t, failed.MoveToFailed(ctx, poison.ID, "x", "y"))

	all, err := failed.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	bad, err := failed.ListPoison(ctx)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	require.Equal(t, poison.ID, bad[0].ID)
}

func TestPurgeExpiredArchivesFirst(t *testing.T) {
	f, failed := newFailedFixture(t, FailedOpsConfig{
		MaxAttempts: 2, PoisonThreshold: 10, Retention: time.Hour,
	})
	ctx := context.Background()

	oldOp, err := f.queue.Enqueue(ctx, vitalsOp("k1"))
	require.NoError(t, err)
	require.NoError(t, failed.MoveToFailed(ctx, oldOp.ID, "x", "y"))

	f.clock.Advance(30 * time.Minute)
	freshOp, err := f.queue.Enqueue(ctx, vitalsOp("k2"))
	require.NoError(t, err)
	require.NoError(t, failed.MoveToFailed(ctx, freshOp.ID, "x", "y"))

	var archived []string
	failed.SetArchiveSink(func(ctx context.Context, op FailedOperation) error {
		archived = append(archived, op.ID)
		return nil
	})

	// Only the first record is past retention.
	f.clock.Advance(31 * time.Minute)
	purged, err := failed.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
	require.Equal(t, []string{oldOp.ID}, archived)

	_, ok, err := failed.Get(ctx, oldOp.ID)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = failed.Get(ctx, freshOp.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPurgePoison(t *testing.T) {
	f, failed := newFailedFixture(t, FailedOpsConfig{
		MaxAttempts: 2, PoisonThreshold: 2, Retention: time.Hour,
	})
	ctx := context.Background()

	op, err := f.queue.Enqueue(ctx, vitalsOp("k1"))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = f.queue.MarkAttempt(ctx, op.ID)
		require.NoError(t, err)
	}
	require.NoError(t, failed.MoveToFailed(ctx, op.ID, "x", "y"))

	var archived []string
	failed.SetArchiveSink(func(ctx context.Context, fo FailedOperation) error {
		archived = append(archived, fo.ID)
		return nil
	})

	purged, err := failed.PurgePoison(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
	require.Equal(t, []string{op.ID}, archived)
}

func TestArchiveFlagsWithoutDeleting(t *testing.T) {
	f, failed := newFailedFixture(t, DefaultFailedOpsConfig())
	ctx := context.Background()

	op, err := f.queue.Enqueue(ctx, vitalsOp("k1"))
	require.NoError(t, err)
	require.NoError(t, failed.MoveToFailed(ctx, op.ID, "x", "y"))
	require.NoError(t, failed.Archive(ctx, op.ID))

	got, ok, err := failed.Get(ctx, op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Archived)
}
