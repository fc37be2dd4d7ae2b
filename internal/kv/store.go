package kv

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// Cipher encrypts and decrypts record values for one collection.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// Config configures a Store.
type Config struct {
	// Path is the database file. Required.
	Path string
	// Collections declares every logical partition up front. Access to an
	// undeclared collection fails with a not-open error.
	Collections []string
}

// Record is a stored value with its envelope metadata.
type Record struct {
	Collection string
	Key        string
	Value      []byte
	Version    int64
	UpdatedAt  time.Time
}

// Stats summarizes store contents.
type Stats struct {
	Path        string
	SizeBytes   int64
	Collections map[string]int
}

// Store is the embedded record store. One database file, durable synchronous
// writes (WAL + synchronous=FULL), logical collections keyed by (collection, key).
type Store struct {
	db          *sql.DB
	path        string
	collections map[string]struct{}

	mu      sync.RWMutex
	ciphers map[string]Cipher
}

// Open opens or creates the store and declares its collections.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("kv: db path required")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, Categorize("", err)
	}
	s := &Store{
		db:          db,
		path:        cfg.Path,
		collections: make(map[string]struct{}, len(cfg.Collections)),
		ciphers:     make(map[string]Cipher),
	}
	for _, name := range cfg.Collections {
		s.collections[name] = struct{}{}
	}
	ctx := context.Background()
	if err := s.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, Categorize("", err)
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, Categorize("", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Handle exposes the underlying database for sibling stores that keep their
// own tables (journal, pending index, audit log) in the same file.
func (s *Store) Handle() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Collections returns the declared collection names, sorted.
func (s *Store) Collections() []string {
	out := make([]string, 0, len(s.collections))
	for name := range s.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	version INTEGER NOT NULL,
	encrypted INTEGER NOT NULL,
	checksum BLOB NOT NULL,
	value BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY(collection, key)
)`)
	return err
}

func (s *Store) checkCollection(name string) *Error {
	if _, ok := s.collections[name]; !ok {
		return Categorize(name, fmt.Errorf("%w: collection %q not declared", ErrNotOpen, name))
	}
	return nil
}

// HasCollection reports whether a collection was declared at open.
func (s *Store) HasCollection(name string) bool {
	_, ok := s.collections[name]
	return ok
}

// SetCipher registers a collection as encrypted with the given cipher.
func (s *Store) SetCipher(collection string, c Cipher) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		delete(s.ciphers, collection)
		return nil
	}
	s.ciphers[collection] = c
	return nil
}

// ClearCipher unregisters a collection's cipher.
func (s *Store) ClearCipher(collection string) {
	s.mu.Lock()
	delete(s.ciphers, collection)
	s.mu.Unlock()
}

func (s *Store) cipher(collection string) Cipher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ciphers[collection]
}

// EncryptedCollections returns the collections currently registered as
// encrypted, sorted.
func (s *Store) EncryptedCollections() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.ciphers))
	for name := range s.ciphers {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// IsEncrypted reports whether a collection has a registered cipher.
func (s *Store) IsEncrypted(collection string) bool {
	s.mu.RLock()
	_, ok := s.ciphers[collection]
	s.mu.RUnlock()
	return ok
}

func checksum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

func (s *Store) seal(collection string, plain []byte) (stored []byte, encrypted bool, err error) {
	c := s.cipher(collection)
	if c == nil {
		return plain, false, nil
	}
	sealed, err := c.Encrypt(plain)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return sealed, true, nil
}

func (s *Store) unseal(collection string, stored []byte, encrypted bool) ([]byte, error) {
	if !encrypted {
		return stored, nil
	}
	c := s.cipher(collection)
	if c == nil {
		return nil, fmt.Errorf("%w: collection %q stored encrypted but no cipher registered", ErrDecrypt, collection)
	}
	plain, err := c.Decrypt(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// execer is the subset of *sql.DB and *sql.Tx that writes need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Put writes a record durably. The stored envelope carries a blake3 checksum
// of the stored bytes and an incremented version.
func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	return s.putIn(ctx, s.db, collection, key, value)
}

// PutIn writes a record inside the caller's transaction, so the write commits
// or rolls back together with the caller's other statements.
func (s *Store) PutIn(ctx context.Context, tx *sql.Tx, collection, key string, value []byte) error {
	return s.putIn(ctx, tx, collection, key, value)
}

func (s *Store) putIn(ctx context.Context, ex execer, collection, key string, value []byte) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	stored, encrypted, err := s.seal(collection, value)
	if err != nil {
		return Categorize(collection, err)
	}
	enc := 0
	if encrypted {
		enc = 1
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = ex.ExecContext(ctx, `
INSERT INTO records(collection, key, version, encrypted, checksum, value, updated_at)
VALUES(?, ?, 1, ?, ?, ?, ?)
ON CONFLICT(collection, key) DO UPDATE SET
	version=records.version+1,
	encrypted=excluded.encrypted,
	checksum=excluded.checksum,
	value=excluded.value,
	updated_at=excluded.updated_at`,
		collection, key, enc, checksum(stored), stored, now)
	if err != nil {
		return Categorize(collection, err)
	}
	return nil
}

// Get reads a record value. The second return is false when the key is absent.
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	rec, ok, err := s.GetRecord(ctx, collection, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return rec.Value, true, nil
}

// GetRecord reads a record with its envelope metadata.
func (s *Store) GetRecord(ctx context.Context, collection, key string) (Record, bool, error) {
	var rec Record
	if err := s.checkCollection(collection); err != nil {
		return rec, false, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT version, encrypted, checksum, value, updated_at
FROM records WHERE collection=? AND key=?`, collection, key)
	var (
		enc       int
		sum       []byte
		stored    []byte
		updatedAt string
	)
	if err := row.Scan(&rec.Version, &enc, &sum, &stored, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, false, nil
		}
		return rec, false, Categorize(collection, err)
	}
	if subtle.ConstantTimeCompare(checksum(stored), sum) != 1 {
		return rec, false, Categorize(collection, fmt.Errorf("%w: key %q", ErrChecksum, key))
	}
	plain, err := s.unseal(collection, stored, enc == 1)
	if err != nil {
		return rec, false, Categorize(collection, err)
	}
	rec.Collection = collection
	rec.Key = key
	rec.Value = plain
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, true, nil
}

// Delete removes a record. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE collection=? AND key=?", collection, key); err != nil {
		return Categorize(collection, err)
	}
	return nil
}

// Keys returns all keys in a collection, sorted.
func (s *Store) Keys(ctx context.Context, collection string) ([]string, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM records WHERE collection=? ORDER BY key", collection)
	if err != nil {
		return nil, Categorize(collection, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, Categorize(collection, err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, Categorize(collection, err)
	}
	return out, nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := s.checkCollection(collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE collection=?", collection).Scan(&n); err != nil {
		return 0, Categorize(collection, err)
	}
	return n, nil
}

// ForEach visits every record in a collection in key order. Returning an
// error from fn stops the walk.
func (s *Store) ForEach(ctx context.Context, collection string, fn func(key string, value []byte) error) error {
	keys, err := s.Keys(ctx, collection)
	if err != nil {
		return err
	}
	for _, key := range keys {
		value, ok, err := s.Get(ctx, collection, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// ReencryptCollection rewrites every record in a collection under the next
// cipher within a single database transaction: a crash leaves the whole
// collection under the previous key. The caller registers next via SetCipher
// after this returns.
func (s *Store) ReencryptCollection(ctx context.Context, collection string, next Cipher) (int, error) {
	if err := s.checkCollection(collection); err != nil {
		return 0, err
	}
	current := s.cipher(collection)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Categorize(collection, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		"SELECT key, encrypted, checksum, value FROM records WHERE collection=?", collection)
	if err != nil {
		return 0, Categorize(collection, err)
	}
	type pending struct {
		key   string
		plain []byte
	}
	var batch []pending
	for rows.Next() {
		var (
			key    string
			enc    int
			sum    []byte
			stored []byte
		)
		if err = rows.Scan(&key, &enc, &sum, &stored); err != nil {
			_ = rows.Close()
			return 0, Categorize(collection, err)
		}
		if subtle.ConstantTimeCompare(checksum(stored), sum) != 1 {
			_ = rows.Close()
			err = fmt.Errorf("%w: key %q", ErrChecksum, key)
			return 0, Categorize(collection, err)
		}
		plain := stored
		if enc == 1 {
			if current == nil {
				_ = rows.Close()
				err = fmt.Errorf("%w: collection %q stored encrypted but no cipher registered", ErrDecrypt, collection)
				return 0, Categorize(collection, err)
			}
			plain, err = current.Decrypt(stored)
			if err != nil {
				_ = rows.Close()
				err = fmt.Errorf("%w: key %q: %v", ErrDecrypt, key, err)
				return 0, Categorize(collection, err)
			}
		}
		batch = append(batch, pending{key: key, plain: plain})
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return 0, Categorize(collection, err)
	}
	_ = rows.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, p := range batch {
		stored := p.plain
		enc := 0
		if next != nil {
			stored, err = next.Encrypt(p.plain)
			if err != nil {
				err = fmt.Errorf("%w: key %q: %v", ErrDecrypt, p.key, err)
				return 0, Categorize(collection, err)
			}
			enc = 1
		}
		if _, err = tx.ExecContext(ctx, `
UPDATE records SET encrypted=?, checksum=?, value=?, updated_at=?
WHERE collection=? AND key=?`,
			enc, checksum(stored), stored, now, collection, p.key); err != nil {
			return 0, Categorize(collection, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, Categorize(collection, err)
	}
	return len(batch), nil
}

// Compact checkpoints the WAL and vacuums the database file.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return Categorize("", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return Categorize("", err)
	}
	return nil
}

// Stats returns per-collection record counts and the database file size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Path: s.path, Collections: make(map[string]int, len(s.collections))}
	for name := range s.collections {
		n, err := s.Count(ctx, name)
		if err != nil {
			return st, err
		}
		st.Collections[name] = n
	}
	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}
	return st, nil
}
