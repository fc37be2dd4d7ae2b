// Package app owns the open store and every subsystem built on it. It is the
// explicit context object injected into callers: no package-level mutable
// state, single-process semantics.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/audit"
	"github.com/carebridge/carestore/internal/cache"
	"github.com/carebridge/carestore/internal/clock"
	"github.com/carebridge/carestore/internal/enc"
	"github.com/carebridge/carestore/internal/journal"
	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/meta"
	"github.com/carebridge/carestore/internal/metrics"
	"github.com/carebridge/carestore/internal/migrate"
	"github.com/carebridge/carestore/internal/queue"
	"github.com/carebridge/carestore/internal/repair"
	"github.com/carebridge/carestore/internal/txn"
)

// Domain collections.
const (
	CollectionVitals     = "vitals"
	CollectionRooms      = "rooms"
	CollectionSessions   = "sessions"
	CollectionSettings   = "settings"
	CollectionAssetCache = "asset_cache"
)

// DefaultPolicies declares the encryption contract for every collection.
func DefaultPolicies() map[string]enc.Policy {
	return map[string]enc.Policy{
		CollectionVitals:        enc.PolicyRequired,
		CollectionSessions:      enc.PolicyRequired,
		queue.CollectionPending: enc.PolicyRequired,
		queue.CollectionFailed:  enc.PolicyRequired,
		CollectionRooms:         enc.PolicyOptional,
		CollectionSettings:      enc.PolicyOptional,
		CollectionAssetCache:    enc.PolicyForbidden,
		meta.Collection:         enc.PolicyForbidden,
	}
}

// Config configures the application root.
type Config struct {
	// DataDir holds the database file and keyring. Required.
	DataDir string
	// Policies maps collections to their encryption contract. Every key is
	// also a declared collection. Defaults to DefaultPolicies.
	Policies map[string]enc.Policy
	// Logger receives structured engine logs.
	Logger zerolog.Logger
	// Registerer receives the engine's Prometheus collectors. Nil skips
	// registration.
	Registerer prometheus.Registerer
	// Clock defaults to the system clock.
	Clock clock.Clock

	// LockStaleThreshold ages out abandoned processing leases.
	LockStaleThreshold time.Duration
	// StallDetector tunes detection and recovery.
	StallDetector queue.StallDetectorConfig
	// FailedOps bounds retry, poison, and retention behavior.
	FailedOps queue.FailedOpsConfig
	// CompactionInterval drives the background compaction scheduler.
	CompactionInterval time.Duration
}

// DefaultConfig returns production settings rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:            dataDir,
		Policies:           DefaultPolicies(),
		Logger:             zerolog.Nop(),
		Clock:              clock.RealClock{},
		LockStaleThreshold: 5 * time.Minute,
		StallDetector:      queue.DefaultStallDetectorConfig(),
		FailedOps:          queue.DefaultFailedOpsConfig(),
		CompactionInterval: 6 * time.Hour,
	}
}

// App is the assembled engine.
type App struct {
	Store      *kv.Store
	Meta       *meta.Store
	Journal    *journal.Journal
	Txn        *txn.Engine
	Migrations *migrate.Runner
	Keyring    *enc.Keyring
	Enforcer   *enc.Enforcer
	Rotator    *enc.Rotator
	Queue      *queue.Queue
	Lock       *queue.ProcessingLock
	Failed     *queue.FailedOps
	Stall      *queue.StallDetector
	Repair     *repair.Service
	Cache      *cache.Invalidator
	Audit      *audit.Service
	Metrics    *metrics.Set

	log       zerolog.Logger
	compactor *Compactor

	mu     sync.Mutex
	closed bool
}

// Open assembles the engine and runs startup recovery: journal replay, then
// resume of any interrupted key rotation.
func Open(cfg Config) (*App, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("app: data dir required")
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}

	collections := make([]string, 0, len(cfg.Policies))
	for name := range cfg.Policies {
		collections = append(collections, name)
	}
	store, err := kv.Open(kv.Config{
		Path:        filepath.Join(cfg.DataDir, "carestore.db"),
		Collections: collections,
	})
	if err != nil {
		return nil, err
	}

	a := &App{Store: store, log: cfg.Logger}
	if err := a.assemble(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := a.recover(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) assemble(cfg Config) error {
	var err error
	a.Metrics = metrics.New(cfg.Registerer)
	a.Meta = meta.New(a.Store)

	a.Keyring, err = enc.OpenKeyring(filepath.Join(cfg.DataDir, "keyring.json"))
	if err != nil {
		return err
	}
	active, err := a.Keyring.ActiveCipher()
	if err != nil {
		return err
	}
	for name, policy := range cfg.Policies {
		if policy == enc.PolicyRequired {
			if err := a.Store.SetCipher(name, active); err != nil {
				return err
			}
		}
	}
	a.Enforcer = enc.NewEnforcer(a.Store, cfg.Policies)
	if err := a.Enforcer.Enforce(); err != nil {
		return err
	}
	a.Rotator = enc.NewRotator(a.Store, a.Meta, a.Keyring, a.log, a.Metrics)

	sealer, err := a.Keyring.JournalCipher()
	if err != nil {
		return err
	}
	a.Journal, err = journal.New(a.Store, sealer)
	if err != nil {
		return err
	}
	a.Txn = txn.New(a.Store, a.Journal, a.log, a.Metrics)
	a.Migrations = migrate.New(a.Store, a.Meta, a.Txn, a.log)
	if err := RegisterMigrations(a.Migrations); err != nil {
		return err
	}

	a.Audit, err = audit.New(a.Store, cfg.Clock)
	if err != nil {
		return err
	}

	idx, err := queue.NewOrderIndex(a.Store)
	if err != nil {
		return err
	}
	a.Queue, err = queue.NewQueue(a.Store, idx, cfg.Clock, a.log, a.Metrics)
	if err != nil {
		return err
	}
	a.Lock = queue.NewProcessingLock(a.Meta, cfg.Clock, cfg.LockStaleThreshold)
	a.Failed = queue.NewFailedOps(a.Store, a.Queue, cfg.Clock, a.log, a.Metrics, cfg.FailedOps)
	a.Failed.SetArchiveSink(func(ctx context.Context, op queue.FailedOperation) error {
		return a.Audit.Append(ctx, "failed_op.archived", "system", map[string]any{
			"op_id":           op.ID,
			"op_type":         op.Type,
			"idempotency_key": op.IdempotencyKey,
			"attempts":        op.Attempts,
			"error_code":      op.ErrorCode,
		})
	})
	a.Stall = queue.NewStallDetector(a.Queue, a.Lock, cfg.Clock, a.log, a.Metrics, cfg.StallDetector)
	a.Repair = repair.New(a.Store, a.Lock, idx, a.Failed, a.Enforcer, a.Audit, cfg.Clock, a.log, a.Metrics)
	a.Cache = cache.New(cfg.Clock)
	a.compactor = NewCompactor(a.Store, cfg.CompactionInterval, a.log)
	return nil
}

// recover resolves incomplete work left by a crash, deterministically, from
// persisted state alone. Rotation resumes first so that every collection is
// back under one key before journal replay writes restored records.
func (a *App) recover(ctx context.Context) error {
	resumed, err := a.Rotator.ResumeInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("app: resume rotation: %w", err)
	}
	if resumed {
		_ = a.Audit.Append(ctx, "rotation.resumed", "system", nil)
	}
	repaired, err := a.Txn.ReplayPending(ctx)
	if err != nil {
		return fmt.Errorf("app: journal replay: %w", err)
	}
	if repaired > 0 {
		_ = a.Audit.Append(ctx, "journal.replayed", "system", map[string]any{"repaired": repaired})
	}
	return nil
}

// Start launches the background monitors. Calling Start twice is a no-op.
func (a *App) Start() {
	a.Stall.Start()
	a.compactor.Start()
}

// Stop halts the background monitors. Safe to call repeatedly.
func (a *App) Stop() {
	a.Stall.Stop()
	a.compactor.Stop()
}

// Close stops the monitors and closes the store. Safe to call twice.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.Stop()
	return a.Store.Close()
}

// RotateKey starts a key rotation and records it in the audit log.
func (a *App) RotateKey(ctx context.Context) error {
	if err := a.Audit.Append(ctx, "rotation.started", "operator", nil); err != nil {
		return err
	}
	if err := a.Rotator.Start(ctx); err != nil {
		return err
	}
	return a.Audit.Append(ctx, "rotation.completed", "operator", nil)
}

// CompleteSyncBatch is the remote-sync collaborator's completion hook: it
// invalidates cache entries for the entity ids the batch touched.
func (a *App) CompleteSyncBatch(entityType string, entityIDs []string) {
	a.Cache.InvalidateOnSync(entityType, entityIDs)
}
