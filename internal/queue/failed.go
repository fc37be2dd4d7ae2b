package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/clock"
	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/metrics"
)

// FailedOperation is a dead-lettered operation with its failure detail.
type FailedOperation struct {
	PendingOperation
	ErrorCode    string
	ErrorMessage string
	FailedAt     time.Time
	Archived     bool
}

// FailedOpsConfig bounds retry and retention behavior.
type FailedOpsConfig struct {
	// MaxAttempts is the per-operation retry limit before dead-lettering.
	MaxAttempts int
	// PoisonThreshold is the higher ceiling past which an operation is
	// presumed permanently unprocessable.
	PoisonThreshold int
	// Retention is how long failed operations are kept before purge.
	Retention time.Duration
}

// DefaultFailedOpsConfig returns the production limits.
func DefaultFailedOpsConfig() FailedOpsConfig {
	return FailedOpsConfig{
		MaxAttempts:     5,
		PoisonThreshold: 25,
		Retention:       30 * 24 * time.Hour,
	}
}

// ArchiveSink receives an operation just before the purge path deletes it,
// preserving an audit trail.
type ArchiveSink func(ctx context.Context, op FailedOperation) error

// FailedOps is the dead-letter service.
type FailedOps struct {
	store   *kv.Store
	queue   *Queue
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Set
	cfg     FailedOpsConfig
	archive ArchiveSink
}

// NewFailedOps wires the service over the failed collection.
func NewFailedOps(store *kv.Store, q *Queue, clk clock.Clock, log zerolog.Logger, m *metrics.Set, cfg FailedOpsConfig) *FailedOps {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultFailedOpsConfig()
	}
	return &FailedOps{store: store, queue: q, clock: clk, log: log, metrics: m, cfg: cfg}
}

// Config returns the active limits.
func (f *FailedOps) Config() FailedOpsConfig { return f.cfg }

// SetArchiveSink installs the archive-before-delete hook.
func (f *FailedOps) SetArchiveSink(sink ArchiveSink) {
	f.archive = sink
}

func (op FailedOperation) encode() ([]byte, error) {
	payload, err := MarshalPayload(op.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(opRecord{
		ID:             op.ID,
		Type:           op.Type,
		IdempotencyKey: op.IdempotencyKey,
		Payload:        payload,
		Attempts:       op.Attempts,
		Status:         op.Status,
		CreatedAt:      op.CreatedAt,
		ErrorCode:      op.ErrorCode,
		ErrorMessage:   op.ErrorMessage,
		FailedAt:       op.FailedAt,
		Archived:       op.Archived,
	})
}

func decodeFailed(data []byte) (FailedOperation, error) {
	var rec opRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return FailedOperation{}, kv.Categorize(CollectionFailed,
			fmt.Errorf("%w: failed operation: %v", kv.ErrTypeMismatch, err))
	}
	payload, err := UnmarshalPayload(rec.Payload)
	if err != nil {
		return FailedOperation{}, kv.Categorize(CollectionFailed, err)
	}
	return FailedOperation{
		PendingOperation: PendingOperation{
			ID:             rec.ID,
			Type:           rec.Type,
			IdempotencyKey: rec.IdempotencyKey,
			Payload:        payload,
			Attempts:       rec.Attempts,
			Status:         rec.Status,
			CreatedAt:      rec.CreatedAt,
		},
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: rec.ErrorMessage,
		FailedAt:     rec.FailedAt,
		Archived:     rec.Archived,
	}, nil
}

// ExceedsLimit reports whether an attempt count has exhausted the retry
// budget.
func (f *FailedOps) ExceedsLimit(attempts int) bool {
	return attempts >= f.cfg.MaxAttempts
}

// IsPoison reports whether an operation has crossed the poison ceiling.
func (f *FailedOps) IsPoison(op FailedOperation) bool {
	return op.Attempts >= f.cfg.PoisonThreshold
}

// MoveToFailed removes an operation from pending and records it as failed,
// preserving its idempotency key.
func (f *FailedOps) MoveToFailed(ctx context.Context, id, errorCode, errorMessage string) error {
	op, ok, err := f.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("queue: operation %s: %w", id, kv.ErrNoRecord)
	}
	failed := FailedOperation{
		PendingOperation: op,
		ErrorCode:        errorCode,
		ErrorMessage:     errorMessage,
		FailedAt:         f.clock.Now(),
	}
	data, err := failed.encode()
	if err != nil {
		return err
	}
	if err := f.store.Put(ctx, CollectionFailed, id, data); err != nil {
		return err
	}
	if err := f.queue.Complete(ctx, id); err != nil {
		return err
	}
	f.metrics.OpsFailed.Inc()
	f.log.Warn().Str("op", id).Str("code", errorCode).Int("attempts", op.Attempts).
		Msg("operation moved to failed store")
	return nil
}

// Get reads one failed operation.
func (f *FailedOps) Get(ctx context.Context, id string) (FailedOperation, bool, error) {
	data, ok, err := f.store.Get(ctx, CollectionFailed, id)
	if err != nil || !ok {
		return FailedOperation{}, ok, err
	}
	op, err := decodeFailed(data)
	if err != nil {
		return FailedOperation{}, false, err
	}
	return op, true, nil
}

// List returns every failed operation in key order.
func (f *FailedOps) List(ctx context.Context) ([]FailedOperation, error) {
	var out []FailedOperation
	err := f.store.ForEach(ctx, CollectionFailed, func(key string, value []byte) error {
		op, err := decodeFailed(value)
		if err != nil {
			return err
		}
		out = append(out, op)
		return nil
	})
	return out, err
}

// ListPoison returns the failed operations past the poison ceiling.
func (f *FailedOps) ListPoison(ctx context.Context) ([]FailedOperation, error) {
	ops, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []FailedOperation
	for _, op := range ops {
		if f.IsPoison(op) {
			out = append(out, op)
		}
	}
	return out, nil
}

// Retry re-creates a failed operation as a fresh pending operation with the
// same idempotency key and an incremented attempt count, re-enqueued through
// the ordering index.
func (f *FailedOps) Retry(ctx context.Context, id string) (PendingOperation, error) {
	failed, ok, err := f.Get(ctx, id)
	if err != nil {
		return PendingOperation{}, err
	}
	if !ok {
		return PendingOperation{}, fmt.Errorf("queue: failed operation %s: %w", id, kv.ErrNoRecord)
	}
	op := PendingOperation{
		ID:             uuid.NewString(),
		Type:           failed.Type,
		IdempotencyKey: failed.IdempotencyKey,
		Payload:        failed.Payload,
		Attempts:       failed.Attempts + 1,
		Status:         StatusPending,
		CreatedAt:      f.clock.Now(),
	}
	if err := f.queue.Requeue(ctx, op); err != nil {
		return PendingOperation{}, err
	}
	if err := f.store.Delete(ctx, CollectionFailed, id); err != nil {
		return PendingOperation{}, err
	}
	f.log.Info().Str("op", id).Str("requeued_as", op.ID).Msg("failed operation retried")
	return op, nil
}

// Archive flags an operation without deleting it.
func (f *FailedOps) Archive(ctx context.Context, id string) error {
	op, ok, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("queue: failed operation %s: %w", id, kv.ErrNoRecord)
	}
	op.Archived = true
	data, err := op.encode()
	if err != nil {
		return err
	}
	return f.store.Put(ctx, CollectionFailed, id, data)
}

// PurgeExpired archives then deletes failed operations older than the
// retention window and returns the count removed.
func (f *FailedOps) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := f.clock.Now().Add(-f.cfg.Retention)
	ops, err := f.List(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, op := range ops {
		if !op.FailedAt.Before(cutoff) {
			continue
		}
		if f.archive != nil {
			if err := f.archive(ctx, op); err != nil {
				return purged, fmt.Errorf("queue: archive %s before purge: %w", op.ID, err)
			}
		}
		if err := f.store.Delete(ctx, CollectionFailed, op.ID); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		f.log.Info().Int("purged", purged).Msg("expired failed operations purged")
	}
	return purged, nil
}

// PurgePoison deletes every operation past the poison ceiling, routing each
// through the archive sink first. The repair service is the only caller.
func (f *FailedOps) PurgePoison(ctx context.Context) (int, error) {
	ops, err := f.ListPoison(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, op := range ops {
		if f.archive != nil {
			if err := f.archive(ctx, op); err != nil {
				return purged, fmt.Errorf("queue: archive %s before purge: %w", op.ID, err)
			}
		}
		if err := f.store.Delete(ctx, CollectionFailed, op.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
