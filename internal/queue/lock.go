package queue

import (
	"context"
	"time"

	"github.com/carebridge/carestore/internal/clock"
	"github.com/carebridge/carestore/internal/meta"
)

// ProcessingLock is a persisted lease identifying the single logical queue
// processor. It is not a mutex: the holder may die without releasing, so a
// lease older than the stale threshold can be reclaimed by anyone.
type ProcessingLock struct {
	meta           *meta.Store
	clock          clock.Clock
	staleThreshold time.Duration
}

// NewProcessingLock builds a lock with the given stale threshold.
func NewProcessingLock(ms *meta.Store, clk clock.Clock, staleThreshold time.Duration) *ProcessingLock {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ProcessingLock{meta: ms, clock: clk, staleThreshold: staleThreshold}
}

// StaleThreshold returns the configured reclamation age.
func (l *ProcessingLock) StaleThreshold() time.Duration { return l.staleThreshold }

// IsStale reports whether a lease is old enough to reclaim.
func (l *ProcessingLock) IsStale(ls meta.LockState) bool {
	return l.clock.Now().Sub(ls.AcquiredAt) > l.staleThreshold
}

// Holder returns the current lease, if any.
func (l *ProcessingLock) Holder(ctx context.Context) (meta.LockState, bool, error) {
	return l.meta.LockState(ctx)
}

// TryAcquire takes the lease for pid when it is unheld or stale, returning
// pid on success and "" when another non-stale holder owns it.
func (l *ProcessingLock) TryAcquire(ctx context.Context, pid string) (string, error) {
	ls, held, err := l.meta.LockState(ctx)
	if err != nil {
		return "", err
	}
	if held && ls.Holder != pid && !l.IsStale(ls) {
		return "", nil
	}
	next := meta.LockState{Holder: pid, AcquiredAt: l.clock.Now()}
	if err := l.meta.SetLockState(ctx, next); err != nil {
		return "", err
	}
	return pid, nil
}

// Release clears the lease only when pid owns it.
func (l *ProcessingLock) Release(ctx context.Context, pid string) (bool, error) {
	ls, held, err := l.meta.LockState(ctx)
	if err != nil {
		return false, err
	}
	if !held || ls.Holder != pid {
		return false, nil
	}
	if err := l.meta.ClearLockState(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseStale clears the lease only when it is stale. Recovery and repair
// paths use this; a fresh lease is never touched.
func (l *ProcessingLock) ReleaseStale(ctx context.Context) (bool, error) {
	ls, held, err := l.meta.LockState(ctx)
	if err != nil {
		return false, err
	}
	if !held || !l.IsStale(ls) {
		return false, nil
	}
	if err := l.meta.ClearLockState(ctx); err != nil {
		return false, err
	}
	return true, nil
}
