package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/carebridge/carestore/internal/kv"
)

// OrderIndex is the secondary ordering index kept alongside the pending
// collection so the oldest N ids can be read without a full scan and sort.
// It can always be rebuilt from the primary store.
type OrderIndex struct {
	db    *sql.DB
	store *kv.Store
}

// NewOrderIndex creates the index table if needed.
func NewOrderIndex(store *kv.Store) (*OrderIndex, error) {
	ix := &OrderIndex{db: store.Handle(), store: store}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS pending_order (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS pending_order_created_idx ON pending_order(created_at, id)`,
	}
	for _, stmt := range ddl {
		if _, err := ix.db.Exec(stmt); err != nil {
			return nil, kv.Categorize(CollectionPending, err)
		}
	}
	return ix, nil
}

// Add records an operation's position. Re-adding an id updates it.
func (ix *OrderIndex) Add(ctx context.Context, id string, createdAt time.Time) error {
	_, err := ix.db.ExecContext(ctx, `
INSERT INTO pending_order(id, created_at) VALUES(?, ?)
ON CONFLICT(id) DO UPDATE SET created_at=excluded.created_at`,
		id, createdAt.UTC().UnixNano())
	if err != nil {
		return kv.Categorize(CollectionPending, err)
	}
	return nil
}

// Remove drops an operation from the index.
func (ix *OrderIndex) Remove(ctx context.Context, id string) error {
	if _, err := ix.db.ExecContext(ctx,
		"DELETE FROM pending_order WHERE id=?", id); err != nil {
		return kv.Categorize(CollectionPending, err)
	}
	return nil
}

// OldestIDs returns up to n ids ascending by created_at, ties broken by id.
func (ix *OrderIndex) OldestIDs(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := ix.db.QueryContext(ctx,
		"SELECT id FROM pending_order ORDER BY created_at, id LIMIT ?", n)
	if err != nil {
		return nil, kv.Categorize(CollectionPending, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kv.Categorize(CollectionPending, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, kv.Categorize(CollectionPending, err)
	}
	return out, nil
}

// OldestCreatedAt returns the creation time of the oldest indexed operation.
func (ix *OrderIndex) OldestCreatedAt(ctx context.Context) (time.Time, bool, error) {
	var nanos sql.NullInt64
	err := ix.db.QueryRowContext(ctx,
		"SELECT MIN(created_at) FROM pending_order").Scan(&nanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, kv.Categorize(CollectionPending, err)
	}
	if !nanos.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos.Int64).UTC(), true, nil
}

// Count returns the number of indexed operations.
func (ix *OrderIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_order").Scan(&n); err != nil {
		return 0, kv.Categorize(CollectionPending, err)
	}
	return n, nil
}

// Rebuild repopulates the index from the primary pending collection. This is
// the self-healing path for index drift.
func (ix *OrderIndex) Rebuild(ctx context.Context) (int, error) {
	type position struct {
		id        string
		createdAt time.Time
	}
	var positions []position
	err := ix.store.ForEach(ctx, CollectionPending, func(key string, value []byte) error {
		var op opRecord
		if err := json.Unmarshal(value, &op); err != nil {
			return kv.Categorize(CollectionPending, err)
		}
		positions = append(positions, position{id: op.ID, createdAt: op.CreatedAt})
		return nil
	})
	if err != nil {
		return 0, err
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, kv.Categorize(CollectionPending, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM pending_order"); err != nil {
		return 0, kv.Categorize(CollectionPending, err)
	}
	for _, p := range positions {
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO pending_order(id, created_at) VALUES(?, ?)",
			p.id, p.createdAt.UTC().UnixNano()); err != nil {
			return 0, kv.Categorize(CollectionPending, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, kv.Categorize(CollectionPending, err)
	}
	return len(positions), nil
}
