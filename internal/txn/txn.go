// Package txn provides all-or-nothing multi-collection writes on top of the
// journal: observers never see a partially-applied batch.
package txn

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/journal"
	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/metrics"
)

// Write is one mutation in a batch. Old is the pre-transaction value (nil
// when the key was absent); New nil means delete.
type Write struct {
	Collection string
	Key        string
	Old        []byte
	New        []byte
}

// Result reports how a transaction ended.
type Result struct {
	Name        string
	Applied     int
	Committed   bool
	RolledBack  bool
	RollbackErr error
}

// Engine runs atomic batches.
type Engine struct {
	store   *kv.Store
	journal *journal.Journal
	log     zerolog.Logger
	metrics *metrics.Set
}

// New builds an engine over the store and journal.
func New(store *kv.Store, jnl *journal.Journal, log zerolog.Logger, m *metrics.Set) *Engine {
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{store: store, journal: jnl, log: log, metrics: m}
}

// Run applies a declarative batch: each write is journaled (pre-value first)
// then applied, and the handle commits once all are in. On any failure every
// already-applied write is reverted from its recorded old value and the
// Result carries the rollback outcome.
func (e *Engine) Run(ctx context.Context, name string, writes []Write) (Result, error) {
	res := Result{Name: name}
	h, err := e.journal.Begin(ctx, uuid.NewString(), name)
	if err != nil {
		return res, err
	}
	for _, w := range writes {
		if err := e.journal.Record(ctx, h, w.Collection, w.Key, w.Old, w.Old != nil); err != nil {
			return e.fail(ctx, h, res, fmt.Errorf("txn %s: journal %s/%s: %w", name, w.Collection, w.Key, err))
		}
		if err := e.apply(ctx, w); err != nil {
			return e.fail(ctx, h, res, fmt.Errorf("txn %s: apply %s/%s: %w", name, w.Collection, w.Key, err))
		}
		res.Applied++
	}
	if err := e.journal.Commit(ctx, h); err != nil {
		return e.fail(ctx, h, res, fmt.Errorf("txn %s: commit: %w", name, err))
	}
	res.Committed = true
	e.metrics.TxnCommits.Inc()
	e.log.Debug().Str("txn", name).Int("writes", res.Applied).Msg("transaction committed")
	return res, nil
}

// MustRun is Run for callers that treat failure as an invariant violation.
// It panics after best-effort rollback.
func (e *Engine) MustRun(ctx context.Context, name string, writes []Write) Result {
	res, err := e.Run(ctx, name, writes)
	if err != nil {
		panic(err)
	}
	return res
}

// Tx is the imperative form: old values are captured by reading current
// state when each call is made.
type Tx struct {
	engine *Engine
	handle *journal.Handle
	res    *Result
}

// Write journals the current value of collection/key then stores value.
func (t *Tx) Write(ctx context.Context, collection, key string, value []byte) error {
	old, existed, err := t.engine.store.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if !existed {
		old = nil
	}
	if err := t.engine.journal.Record(ctx, t.handle, collection, key, old, existed); err != nil {
		return err
	}
	if err := t.engine.store.Put(ctx, collection, key, value); err != nil {
		return err
	}
	t.res.Applied++
	return nil
}

// Delete journals the current value of collection/key then removes it.
func (t *Tx) Delete(ctx context.Context, collection, key string) error {
	old, existed, err := t.engine.store.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if err := t.engine.journal.Record(ctx, t.handle, collection, key, old, true); err != nil {
		return err
	}
	if err := t.engine.store.Delete(ctx, collection, key); err != nil {
		return err
	}
	t.res.Applied++
	return nil
}

// Execute runs fn inside a transaction. Returning an error rolls back every
// write fn already issued.
func (e *Engine) Execute(ctx context.Context, name string, fn func(tx *Tx) error) (Result, error) {
	res := Result{Name: name}
	h, err := e.journal.Begin(ctx, uuid.NewString(), name)
	if err != nil {
		return res, err
	}
	tx := &Tx{engine: e, handle: h, res: &res}
	if err := fn(tx); err != nil {
		return e.fail(ctx, h, res, fmt.Errorf("txn %s: %w", name, err))
	}
	if err := e.journal.Commit(ctx, h); err != nil {
		return e.fail(ctx, h, res, fmt.Errorf("txn %s: commit: %w", name, err))
	}
	res.Committed = true
	e.metrics.TxnCommits.Inc()
	return res, nil
}

// MustExecute is Execute with panic-on-failure semantics.
func (e *Engine) MustExecute(ctx context.Context, name string, fn func(tx *Tx) error) Result {
	res, err := e.Execute(ctx, name, fn)
	if err != nil {
		panic(err)
	}
	return res
}

// ReplayPending rolls back transactions left incomplete by a crash.
func (e *Engine) ReplayPending(ctx context.Context) (int, error) {
	n, err := e.journal.ReplayPending(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.metrics.JournalReplays.Add(float64(n))
		e.log.Warn().Int("repaired", n).Msg("rolled back incomplete transactions")
	}
	return n, nil
}

func (e *Engine) apply(ctx context.Context, w Write) error {
	if w.New == nil {
		return e.store.Delete(ctx, w.Collection, w.Key)
	}
	return e.store.Put(ctx, w.Collection, w.Key, w.New)
}

func (e *Engine) fail(ctx context.Context, h *journal.Handle, res Result, cause error) (Result, error) {
	res.RolledBack = true
	if err := e.journal.Rollback(ctx, h); err != nil {
		res.RolledBack = false
		res.RollbackErr = err
		e.log.Error().Err(err).Str("txn", res.Name).Msg("rollback failed")
	}
	e.metrics.TxnRollbacks.Inc()
	e.log.Warn().Err(cause).Str("txn", res.Name).Int("applied", res.Applied).Msg("transaction rolled back")
	return res, cause
}
