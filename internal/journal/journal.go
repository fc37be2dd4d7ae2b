// Package journal is the write-ahead log of pre-mutation snapshots. An entry
// is durably persisted before the caller mutates the record it covers, so any
// transaction found incomplete after a crash can be rolled back to its last
// known-good state.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge/carestore/internal/kv"
)

// Handle states.
const (
	StateActive     = "active"
	StateCommitted  = "committed"
	StateRolledBack = "rolledBack"
)

// ErrNotActive is returned when recording into or committing a handle that is
// no longer active. This is a programmer-error invariant, not a storage fault.
var ErrNotActive = errors.New("journal: handle is not active")

// Handle identifies one in-flight transaction.
type Handle struct {
	ID        string
	Name      string
	State     string
	CreatedAt time.Time
}

// Entry is one pre-mutation snapshot.
type Entry struct {
	HandleID   string
	Seq        int
	Collection string
	Key        string
	PreValue   []byte
	Existed    bool
}

// Journal persists handles and entries in dedicated tables of the store's
// database file.
type Journal struct {
	store  *kv.Store
	db     *sql.DB
	sealer kv.Cipher
}

// New creates the journal tables if needed. A non-nil sealer encrypts every
// pre-value snapshot before it hits disk; it must stay stable across restarts,
// so it is keyed separately from the rotating collection ciphers.
func New(store *kv.Store, sealer kv.Cipher) (*Journal, error) {
	j := &Journal{store: store, db: store.Handle(), sealer: sealer}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS journal_handles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			handle_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			pre_value BLOB,
			existed INTEGER NOT NULL,
			sealed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(handle_id, seq)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := j.db.Exec(stmt); err != nil {
			return nil, kv.Categorize("", err)
		}
	}
	return j, nil
}

// Begin creates an active handle with the given id.
func (j *Journal) Begin(ctx context.Context, id, name string) (*Handle, error) {
	if id == "" {
		return nil, errors.New("journal: handle id required")
	}
	now := time.Now().UTC()
	h := &Handle{ID: id, Name: name, State: StateActive, CreatedAt: now}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO journal_handles(id, name, state, created_at) VALUES(?, ?, ?, ?)`,
		h.ID, h.Name, h.State, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, kv.Categorize("", err)
	}
	return h, nil
}

// Record appends a pre-mutation snapshot and persists it immediately. Call
// this before mutating the record it covers. The collection must be declared:
// an entry rollback cannot restore is refused before it exists.
func (j *Journal) Record(ctx context.Context, h *Handle, collection, key string, preValue []byte, existed bool) error {
	if h == nil || h.State != StateActive {
		return ErrNotActive
	}
	if !j.store.HasCollection(collection) {
		return kv.Categorize(collection, fmt.Errorf("%w: collection %q not declared", kv.ErrNotOpen, collection))
	}
	stored := preValue
	sealed := 0
	if j.sealer != nil && preValue != nil {
		var err error
		if stored, err = j.sealer.Encrypt(preValue); err != nil {
			return kv.Categorize(collection, fmt.Errorf("%w: seal snapshot: %v", kv.ErrDecrypt, err))
		}
		sealed = 1
	}
	ex := 0
	if existed {
		ex = 1
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO journal_entries(handle_id, seq, collection, key, pre_value, existed, sealed)
SELECT ?, COALESCE(MAX(seq), 0)+1, ?, ?, ?, ?, ?
FROM journal_entries WHERE handle_id=?`,
		h.ID, collection, key, stored, ex, sealed, h.ID)
	if err != nil {
		return kv.Categorize(collection, err)
	}
	return nil
}

// Commit marks the handle committed and removes its entries. The snapshots
// are no longer needed once every mutation is applied.
func (j *Journal) Commit(ctx context.Context, h *Handle) error {
	if h == nil || h.State != StateActive {
		return ErrNotActive
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return kv.Categorize("", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		"UPDATE journal_handles SET state=? WHERE id=?", StateCommitted, h.ID); err != nil {
		return kv.Categorize("", err)
	}
	if _, err = tx.ExecContext(ctx,
		"DELETE FROM journal_entries WHERE handle_id=?", h.ID); err != nil {
		return kv.Categorize("", err)
	}
	if err = tx.Commit(); err != nil {
		return kv.Categorize("", err)
	}
	h.State = StateCommitted
	return nil
}

// Rollback restores every entry's pre-value into its collection, newest
// first, then marks the handle rolled back.
func (j *Journal) Rollback(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNotActive
	}
	if err := j.rollbackID(ctx, h.ID); err != nil {
		return err
	}
	h.State = StateRolledBack
	return nil
}

func (j *Journal) rollbackID(ctx context.Context, handleID string) error {
	entries, err := j.Entries(ctx, handleID)
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Existed {
			if err := j.store.Put(ctx, e.Collection, e.Key, e.PreValue); err != nil {
				return fmt.Errorf("journal: restore %s/%s: %w", e.Collection, e.Key, err)
			}
		} else {
			if err := j.store.Delete(ctx, e.Collection, e.Key); err != nil {
				return fmt.Errorf("journal: restore %s/%s: %w", e.Collection, e.Key, err)
			}
		}
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return kv.Categorize("", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		"UPDATE journal_handles SET state=? WHERE id=?", StateRolledBack, handleID); err != nil {
		return kv.Categorize("", err)
	}
	if _, err = tx.ExecContext(ctx,
		"DELETE FROM journal_entries WHERE handle_id=?", handleID); err != nil {
		return kv.Categorize("", err)
	}
	return tx.Commit()
}

// Entries returns the persisted snapshots for a handle in append order, with
// sealed pre-values decrypted.
func (j *Journal) Entries(ctx context.Context, handleID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT handle_id, seq, collection, key, pre_value, existed, sealed
FROM journal_entries WHERE handle_id=? ORDER BY seq`, handleID)
	if err != nil {
		return nil, kv.Categorize("", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			ex     int
			sealed int
		)
		if err := rows.Scan(&e.HandleID, &e.Seq, &e.Collection, &e.Key, &e.PreValue, &ex, &sealed); err != nil {
			return nil, kv.Categorize("", err)
		}
		if sealed == 1 {
			if j.sealer == nil {
				return nil, kv.Categorize(e.Collection,
					fmt.Errorf("%w: snapshot sealed but journal has no sealer", kv.ErrDecrypt))
			}
			if e.PreValue, err = j.sealer.Decrypt(e.PreValue); err != nil {
				return nil, kv.Categorize(e.Collection, fmt.Errorf("%w: unseal snapshot: %v", kv.ErrDecrypt, err))
			}
		}
		e.Existed = ex == 1
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, kv.Categorize("", err)
	}
	return out, nil
}

// EntryCount returns the number of persisted entries for a handle.
func (j *Journal) EntryCount(ctx context.Context, handleID string) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM journal_entries WHERE handle_id=?", handleID).Scan(&n); err != nil {
		return 0, kv.Categorize("", err)
	}
	return n, nil
}

// ReplayPending rolls back every handle that is neither committed nor rolled
// back and returns the count repaired. Any transaction found incomplete after
// a crash is suspect: revert it rather than guess forward. Terminal handles
// older than a day are pruned as a side effect.
func (j *Journal) ReplayPending(ctx context.Context) (int, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT id FROM journal_handles WHERE state=?", StateActive)
	if err != nil {
		return 0, kv.Categorize("", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, kv.Categorize("", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, kv.Categorize("", err)
	}
	_ = rows.Close()

	for _, id := range ids {
		if err := j.rollbackID(ctx, id); err != nil {
			return 0, err
		}
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)
	_, _ = j.db.ExecContext(ctx,
		"DELETE FROM journal_handles WHERE state<>? AND created_at<?", StateActive, cutoff)
	return len(ids), nil
}
