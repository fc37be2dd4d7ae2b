// Package queue holds the pending-operation queue and its supporting cast:
// the ordering index, the processing lease, the stall detector, and the
// failed-operation dead-letter store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/clock"
	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/metrics"
)

// Collections backing the queue.
const (
	CollectionPending = "pending_ops"
	CollectionFailed  = "failed_ops"
)

// StatusPending is the only live status; completed operations are deleted
// and exhausted ones move to the failed store.
const StatusPending = "pending"

// ErrDuplicateIdempotencyKey rejects an enqueue whose idempotency key was
// already admitted at some point, even if that operation has since completed
// or failed.
var ErrDuplicateIdempotencyKey = errors.New("queue: idempotency key already admitted")

// PendingOperation is one queued unit of work.
type PendingOperation struct {
	ID             string
	Type           string
	IdempotencyKey string
	Payload        Payload
	Attempts       int
	Status         string
	CreatedAt      time.Time
}

// opRecord is the stored JSON shape shared by pending and failed records.
type opRecord struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`

	// Failed-store fields; zero for pending records.
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	FailedAt     time.Time `json:"failed_at,omitzero"`
	Archived     bool      `json:"archived,omitempty"`
}

func (op PendingOperation) encode() ([]byte, error) {
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
	})
}

func decodePending(data []byte) (PendingOperation, error) {
	var rec opRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PendingOperation{}, kv.Categorize(CollectionPending,
			fmt.Errorf("%w: pending operation: %v", kv.ErrTypeMismatch, err))
	}
	payload, err := UnmarshalPayload(rec.Payload)
	if err != nil {
		return PendingOperation{}, kv.Categorize(CollectionPending, err)
	}
	return PendingOperation{
		ID:             rec.ID,
		Type:           rec.Type,
		IdempotencyKey: rec.IdempotencyKey,
		Payload:        payload,
		Attempts:       rec.Attempts,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt,
	}, nil
}

// Queue admits, orders, and retires pending operations.
type Queue struct {
	store   *kv.Store
	idx     *OrderIndex
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Set
}

// NewQueue wires the queue and creates its idempotency table.
func NewQueue(store *kv.Store, idx *OrderIndex, clk clock.Clock, log zerolog.Logger, m *metrics.Set) (*Queue, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	q := &Queue{store: store, idx: idx, clock: clk, log: log, metrics: m}
	if _, err := store.Handle().Exec(`
CREATE TABLE IF NOT EXISTS queue_idempotency (
	key TEXT PRIMARY KEY,
	op_id TEXT NOT NULL,
	admitted_at TEXT NOT NULL
)`); err != nil {
		return nil, kv.Categorize(CollectionPending, err)
	}
	return q, nil
}

// Index exposes the ordering index for the stall detector and repair paths.
func (q *Queue) Index() *OrderIndex { return q.idx }

// Enqueue admits an operation. The idempotency key must never have been
// admitted before; a duplicate returns ErrDuplicateIdempotencyKey. Missing id
// and creation time are filled in.
func (q *Queue) Enqueue(ctx context.Context, op PendingOperation) (PendingOperation, error) {
	if op.IdempotencyKey == "" {
		return op, errors.New("queue: idempotency key required")
	}
	if op.Payload == nil {
		return op, errors.New("queue: payload required")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Type == "" {
		op.Type = op.Payload.Kind()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.clock.Now()
	}
	op.Status = StatusPending
	data, err := op.encode()
	if err != nil {
		return op, err
	}

	// Admission and the record write commit together: a key must never be
	// burned without its operation existing.
	tx, err := q.store.Handle().BeginTx(ctx, nil)
	if err != nil {
		return op, kv.Categorize(CollectionPending, err)
	}
	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO queue_idempotency(key, op_id, admitted_at) VALUES(?, ?, ?)`,
		op.IdempotencyKey, op.ID, q.clock.Now().Format(time.RFC3339Nano))
	if err != nil {
		_ = tx.Rollback()
		return op, kv.Categorize(CollectionPending, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		_ = tx.Rollback()
		return op, fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, op.IdempotencyKey)
	}
	if err := q.store.PutIn(ctx, tx, CollectionPending, op.ID, data); err != nil {
		_ = tx.Rollback()
		return op, err
	}
	if err := tx.Commit(); err != nil {
		return op, kv.Categorize(CollectionPending, err)
	}

	// Crash before the index write leaves the index short; Rebuild heals that.
	if err := q.idx.Add(ctx, op.ID, op.CreatedAt); err != nil {
		return op, err
	}
	q.metrics.OpsEnqueued.Inc()
	q.updateDepth(ctx)
	q.log.Debug().Str("op", op.ID).Str("type", op.Type).Msg("operation enqueued")
	return op, nil
}

// put writes the record then its index position. Crash between the two
// leaves the index short; Rebuild heals that.
func (q *Queue) put(ctx context.Context, op PendingOperation) error {
	data, err := op.encode()
	if err != nil {
		return err
	}
	if err := q.store.Put(ctx, CollectionPending, op.ID, data); err != nil {
		return err
	}
	return q.idx.Add(ctx, op.ID, op.CreatedAt)
}

// Requeue re-inserts an operation bypassing the idempotency admission check.
// Only the retry path may use it: the key was already admitted once.
func (q *Queue) Requeue(ctx context.Context, op PendingOperation) error {
	if err := q.put(ctx, op); err != nil {
		return err
	}
	q.updateDepth(ctx)
	return nil
}

// Get reads one pending operation.
func (q *Queue) Get(ctx context.Context, id string) (PendingOperation, bool, error) {
	data, ok, err := q.store.Get(ctx, CollectionPending, id)
	if err != nil || !ok {
		return PendingOperation{}, ok, err
	}
	op, err := decodePending(data)
	if err != nil {
		return PendingOperation{}, false, err
	}
	return op, true, nil
}

// OldestIDs returns up to n pending ids in processing order.
func (q *Queue) OldestIDs(ctx context.Context, n int) ([]string, error) {
	return q.idx.OldestIDs(ctx, n)
}

// Oldest returns up to n pending operations in processing order.
func (q *Queue) Oldest(ctx context.Context, n int) ([]PendingOperation, error) {
	ids, err := q.idx.OldestIDs(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]PendingOperation, 0, len(ids))
	for _, id := range ids {
		op, ok, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Index drift; skip and let the stall detector rebuild.
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// MarkAttempt increments an operation's attempt count and returns it.
func (q *Queue) MarkAttempt(ctx context.Context, id string) (int, error) {
	op, ok, err := q.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("queue: operation %s: %w", id, kv.ErrNoRecord)
	}
	op.Attempts++
	data, err := op.encode()
	if err != nil {
		return 0, err
	}
	if err := q.store.Put(ctx, CollectionPending, id, data); err != nil {
		return 0, err
	}
	return op.Attempts, nil
}

// Complete removes a successfully processed operation.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, CollectionPending, id); err != nil {
		return err
	}
	if err := q.idx.Remove(ctx, id); err != nil {
		return err
	}
	q.updateDepth(ctx)
	return nil
}

// Depth returns the number of pending operations in the primary store.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.Count(ctx, CollectionPending)
}

func (q *Queue) updateDepth(ctx context.Context) {
	if n, err := q.Depth(ctx); err == nil {
		q.metrics.QueueDepth.Set(float64(n))
	}
}
