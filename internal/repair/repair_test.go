package repair

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/carestore/internal/audit"
	"github.com/carebridge/carestore/internal/clock"
	"github.com/carebridge/carestore/internal/enc"
	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/meta"
	"github.com/carebridge/carestore/internal/queue"
)

type fixture struct {
	store   *kv.Store
	clock   *clock.Fake
	queue   *queue.Queue
	lock    *queue.ProcessingLock
	failed  *queue.FailedOps
	audit   *audit.Service
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := kv.Open(kv.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		Collections: []string{
			meta.Collection, queue.CollectionPending, queue.CollectionFailed, "vitals",
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	ms := meta.New(s)
	idx, err := queue.NewOrderIndex(s)
	require.NoError(t, err)
	q, err := queue.NewQueue(s, idx, clk, zerolog.Nop(), nil)
	require.NoError(t, err)
	lk := queue.NewProcessingLock(ms, clk, 5*time.Minute)
	failed := queue.NewFailedOps(s, q, clk, zerolog.Nop(), nil, queue.FailedOpsConfig{
		MaxAttempts: 2, PoisonThreshold: 3, Retention: time.Hour,
	})
	enforcer := enc.NewEnforcer(s, map[string]enc.Policy{"vitals": enc.PolicyRequired})
	aud, err := audit.New(s, clk)
	require.NoError(t, err)

	return &fixture{
		store:   s,
		clock:   clk,
		queue:   q,
		lock:    lk,
		failed:  failed,
		audit:   aud,
		service: New(s, lk, idx, failed, enforcer, aud, clk, zerolog.Nop(), nil),
	}
}

func (f *fixture) token(t *testing.T, action Action) string {
	t.Helper()
	token, err := f.service.GenerateConfirmationToken(action)
	require.NoError(t, err)
	return token
}

func TestCatalog(t *testing.T) {
	actions := Actions()
	require.Len(t, actions, 6)
	for i := 1; i < len(actions); i++ {
		require.Less(t, actions[i-1].Action, actions[i].Action)
	}

	info, ok := Describe(ActionPurgePoisonOps)
	require.True(t, ok)
	require.Equal(t, SeverityHigh, info.Severity)
	require.True(t, info.RequiresQueueStop)

	_, ok = Describe(Action("nope"))
	require.False(t, ok)
}

func TestTokenIsSingleUseAndActionBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.GenerateConfirmationToken(Action("nope"))
	require.ErrorIs(t, err, ErrUnknownAction)

	// A token for one action does not authorize another.
	token := f.token(t, ActionReleaseStaleLocks)
	_, err = f.service.Execute(ctx, ActionVerifyEncryption, token, ExecuteOptions{})
	require.ErrorIs(t, err, ErrInvalidToken)

	// Fresh token works once, then is consumed.
	token = f.token(t, ActionReleaseStaleLocks)
	_, err = f.service.Execute(ctx, ActionReleaseStaleLocks, token, ExecuteOptions{})
	require.NoError(t, err)
	_, err = f.service.Execute(ctx, ActionReleaseStaleLocks, token, ExecuteOptions{})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token := f.token(t, ActionReleaseStaleLocks)
	f.clock.Advance(5*time.Minute + time.Second)
	_, err := f.service.Execute(ctx, ActionReleaseStaleLocks, token, ExecuteOptions{})
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestQueueStopRequirement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token := f.token(t, ActionRebuildPendingIndex)
	_, err := f.service.Execute(ctx, ActionRebuildPendingIndex, token, ExecuteOptions{})
	require.ErrorIs(t, err, ErrQueueNotStopped)

	// The refusal consumed the token; issue another and assert the stop.
	token = f.token(t, ActionRebuildPendingIndex)
	res, err := f.service.Execute(ctx, ActionRebuildPendingIndex, token,
		ExecuteOptions{QueueStopped: true})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestReleaseStaleLocksAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lock.TryAcquire(ctx, "pid-dead")
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	res, err := f.service.Execute(ctx, ActionReleaseStaleLocks,
		f.token(t, ActionReleaseStaleLocks), ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.AffectedCount)

	_, held, err := f.lock.Holder(ctx)
	require.NoError(t, err)
	require.False(t, held)
}

func TestPurgePoisonAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op, err := f.queue.Enqueue(ctx, queue.PendingOperation{
		IdempotencyKey: "k1",
		Payload:        queue.VitalsUpload{ResidentID: "r1"},
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.queue.MarkAttempt(ctx, op.ID)
		require.NoError(t, err)
	}
	require.NoError(t, f.failed.MoveToFailed(ctx, op.ID, "stuck", "always fails"))

	res, err := f.service.Execute(ctx, ActionPurgePoisonOps,
		f.token(t, ActionPurgePoisonOps), ExecuteOptions{QueueStopped: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.AffectedCount)

	remaining, err := f.failed.List(ctx)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestVerifyEncryptionReportsViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// vitals declares Required but no cipher is registered.
	res, err := f.service.Execute(ctx, ActionVerifyEncryption,
		f.token(t, ActionVerifyEncryption), ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.AffectedCount)
	require.Contains(t, res.Message, "violations")
}

func TestExecuteAppendsAuditRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Execute(ctx, ActionReleaseStaleLocks,
		f.token(t, ActionReleaseStaleLocks), ExecuteOptions{})
	require.NoError(t, err)

	records, err := f.audit.Tail(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "repair.releaseStaleLocks", records[0].Type)
	require.Equal(t, "operator", records[0].Actor)
}
