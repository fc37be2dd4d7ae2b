// Package meta is the key→structured-value store for engine bookkeeping:
// schema versions, processing-lock state, and key-rotation state. It lives in
// a reserved collection of the record store so that meta writes can ride the
// same transaction machinery as record writes.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/carebridge/carestore/internal/kv"
)

// Collection is the reserved partition holding meta entries. It is never
// encrypted.
const Collection = "_meta"

const (
	lockKey          = "processing_lock"
	rotationKey      = "rotation_state"
	versionKeyPrefix = "schema_version/"
)

// Store reads and writes structured meta values.
type Store struct {
	kv *kv.Store
}

// New wraps the record store. The reserved collection must be declared.
func New(store *kv.Store) *Store {
	return &Store{kv: store}
}

// Put marshals v and writes it durably under key.
func (s *Store) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("meta: marshal %s: %w", key, err)
	}
	return s.kv.Put(ctx, Collection, key, data)
}

// Get unmarshals the value under key into out. The first return is false
// when the key is absent.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := s.kv.Get(ctx, Collection, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, kv.Categorize(Collection, fmt.Errorf("%w: meta %s: %v", kv.ErrTypeMismatch, key, err))
	}
	return true, nil
}

// Delete removes a meta entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, Collection, key)
}

// VersionKey returns the meta key holding a domain's schema version. Exposed
// so the migration runner can include the version bump in an atomic batch.
func VersionKey(domain string) string {
	return versionKeyPrefix + domain
}

// EncodeVersion renders a schema version the way Put would store it.
func EncodeVersion(v int) []byte {
	return []byte(strconv.Itoa(v))
}

// SchemaVersion returns the current version for a domain, 0 if never migrated.
func (s *Store) SchemaVersion(ctx context.Context, domain string) (int, error) {
	var v int
	ok, err := s.Get(ctx, VersionKey(domain), &v)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return v, nil
}

// SetSchemaVersion records a domain's schema version.
func (s *Store) SetSchemaVersion(ctx context.Context, domain string, v int) error {
	return s.Put(ctx, VersionKey(domain), v)
}

// LockState is the persisted processing-lock lease.
type LockState struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockState returns the persisted lock lease, if any.
func (s *Store) LockState(ctx context.Context) (LockState, bool, error) {
	var ls LockState
	ok, err := s.Get(ctx, lockKey, &ls)
	return ls, ok, err
}

// SetLockState persists the lock lease.
func (s *Store) SetLockState(ctx context.Context, ls LockState) error {
	return s.Put(ctx, lockKey, ls)
}

// ClearLockState removes the lock lease.
func (s *Store) ClearLockState(ctx context.Context) error {
	return s.Delete(ctx, lockKey)
}

// Rotation statuses.
const (
	RotationInProgress = "in_progress"
	RotationCompleted  = "completed"
)

// RotationState is the persisted key-rotation checkpoint.
type RotationState struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Completed []string  `json:"completed"`
}

// Done reports whether a collection has already been re-encrypted.
func (r RotationState) Done(collection string) bool {
	for _, name := range r.Completed {
		if name == collection {
			return true
		}
	}
	return false
}

// RotationState returns the persisted rotation checkpoint, if any.
func (s *Store) RotationState(ctx context.Context) (RotationState, bool, error) {
	var rs RotationState
	ok, err := s.Get(ctx, rotationKey, &rs)
	return rs, ok, err
}

// SetRotationState persists the rotation checkpoint.
func (s *Store) SetRotationState(ctx context.Context, rs RotationState) error {
	return s.Put(ctx, rotationKey, rs)
}

// ClearRotationState removes the rotation checkpoint.
func (s *Store) ClearRotationState(ctx context.Context) error {
	return s.Delete(ctx, rotationKey)
}
