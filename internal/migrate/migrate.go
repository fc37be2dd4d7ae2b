// Package migrate applies ordered, idempotent schema upgrades per logical
// domain. Each migration's record batch and version bump run through the
// atomic transaction engine, so a crash mid-migration replays to the old
// version with the old records.
package migrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/meta"
	"github.com/carebridge/carestore/internal/txn"
)

// Transform rewrites one record. It returns the new value and whether the
// record changed. Transforms must be pure: same input, same output.
type Transform func(key string, value []byte) ([]byte, bool, error)

// Migration is one step in a domain's upgrade chain.
type Migration struct {
	From         int
	To           int
	ID           string
	Description  string
	Collections  []string
	Reversible   bool
	Transform    Transform
	Reverse      Transform
}

// DryRunResult is the pre-flight estimate for a domain.
type DryRunResult struct {
	CanMigrate       bool
	RecordsToMigrate int
	Warnings         []string
	Errors           []string
}

// SchemaVerification is the post-migration audit for a domain.
type SchemaVerification struct {
	IsValid      bool
	RecordCounts map[string]int
	Violations   []string
}

// RollbackResult reports reverting a reversible migration.
type RollbackResult struct {
	Success         bool
	FromVersion     int
	ToVersion       int
	RecordsReverted int
	Message         string
}

// Runner holds the registered chains and applies pending migrations.
type Runner struct {
	store   *kv.Store
	meta    *meta.Store
	engine  *txn.Engine
	log     zerolog.Logger
	domains map[string][]Migration
}

// New builds a runner with empty registries.
func New(store *kv.Store, ms *meta.Store, engine *txn.Engine, log zerolog.Logger) *Runner {
	return &Runner{
		store:   store,
		meta:    ms,
		engine:  engine,
		log:     log,
		domains: make(map[string][]Migration),
	}
}

// Register appends a migration to a domain's chain. Chains are contiguous
// and start at version 0.
func (r *Runner) Register(domain string, m Migration) error {
	if domain == "" {
		return fmt.Errorf("migrate: domain required")
	}
	if m.To != m.From+1 {
		return fmt.Errorf("migrate: %s: migration %q must advance the version by one (from=%d to=%d)", domain, m.ID, m.From, m.To)
	}
	if m.Transform == nil {
		return fmt.Errorf("migrate: %s: migration %q has no transform", domain, m.ID)
	}
	if m.Reversible && m.Reverse == nil {
		return fmt.Errorf("migrate: %s: migration %q marked reversible without a reverse transform", domain, m.ID)
	}
	chain := r.domains[domain]
	expect := 0
	if len(chain) > 0 {
		expect = chain[len(chain)-1].To
	}
	if m.From != expect {
		return fmt.Errorf("migrate: %s: migration %q breaks the chain (from=%d, expected %d)", domain, m.ID, m.From, expect)
	}
	r.domains[domain] = append(chain, m)
	return nil
}

// Domains returns the registered domain names, sorted.
func (r *Runner) Domains() []string {
	out := make([]string, 0, len(r.domains))
	for name := range r.domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RunAll applies every pending migration in every domain and returns the
// number applied. Running with nothing pending is a no-op.
func (r *Runner) RunAll(ctx context.Context) (int, error) {
	applied := 0
	for _, domain := range r.Domains() {
		n, err := r.runDomain(ctx, domain)
		applied += n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (r *Runner) runDomain(ctx context.Context, domain string) (int, error) {
	version, err := r.meta.SchemaVersion(ctx, domain)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, m := range r.domains[domain] {
		if m.From != version {
			continue
		}
		if err := r.apply(ctx, domain, m, m.Transform, m.From, m.To); err != nil {
			return applied, fmt.Errorf("migrate: %s: %s: %w", domain, m.ID, err)
		}
		r.log.Info().Str("domain", domain).Str("migration", m.ID).
			Int("from", m.From).Int("to", m.To).Msg("migration applied")
		version = m.To
		applied++
	}
	return applied, nil
}

// apply builds the record batch plus the version bump and runs it as one
// atomic transaction.
func (r *Runner) apply(ctx context.Context, domain string, m Migration, transform Transform, from, to int) error {
	writes, _, err := r.collectWrites(ctx, m.Collections, transform)
	if err != nil {
		return err
	}
	var oldVersion []byte
	if from != 0 {
		oldVersion = meta.EncodeVersion(from)
	}
	writes = append(writes, txn.Write{
		Collection: meta.Collection,
		Key:        meta.VersionKey(domain),
		Old:        oldVersion,
		New:        meta.EncodeVersion(to),
	})
	_, err = r.engine.Run(ctx, "migration/"+m.ID, writes)
	return err
}

func (r *Runner) collectWrites(ctx context.Context, collections []string, transform Transform) ([]txn.Write, int, error) {
	var writes []txn.Write
	scanned := 0
	for _, collection := range collections {
		err := r.store.ForEach(ctx, collection, func(key string, value []byte) error {
			scanned++
			next, changed, err := transform(key, value)
			if err != nil {
				return fmt.Errorf("transform %s/%s: %w", collection, key, err)
			}
			if !changed {
				return nil
			}
			old := make([]byte, len(value))
			copy(old, value)
			writes = append(writes, txn.Write{
				Collection: collection,
				Key:        key,
				Old:        old,
				New:        next,
			})
			return nil
		})
		if err != nil {
			return nil, scanned, err
		}
	}
	return writes, scanned, nil
}

// DryRun estimates a domain's pending work without writing anything.
func (r *Runner) DryRun(ctx context.Context, domain string) (DryRunResult, error) {
	res := DryRunResult{CanMigrate: true}
	chain, ok := r.domains[domain]
	if !ok {
		res.CanMigrate = false
		res.Errors = append(res.Errors, fmt.Sprintf("unknown domain %q", domain))
		return res, nil
	}
	version, err := r.meta.SchemaVersion(ctx, domain)
	if err != nil {
		return res, err
	}
	pending := false
	for _, m := range chain {
		if m.From != version {
			continue
		}
		pending = true
		writes, _, err := r.collectWrites(ctx, m.Collections, m.Transform)
		if err != nil {
			res.CanMigrate = false
			res.Errors = append(res.Errors, err.Error())
			return res, nil
		}
		res.RecordsToMigrate += len(writes)
		version = m.To
	}
	if !pending {
		res.Warnings = append(res.Warnings, "nothing to migrate")
	}
	return res, nil
}

// Verify audits a domain after migration: record counts over every affected
// collection and version sanity against the registered chain.
func (r *Runner) Verify(ctx context.Context, domain string) (SchemaVerification, error) {
	res := SchemaVerification{IsValid: true, RecordCounts: make(map[string]int)}
	chain, ok := r.domains[domain]
	if !ok {
		res.IsValid = false
		res.Violations = append(res.Violations, fmt.Sprintf("unknown domain %q", domain))
		return res, nil
	}
	version, err := r.meta.SchemaVersion(ctx, domain)
	if err != nil {
		return res, err
	}
	maxVersion := 0
	seen := make(map[string]struct{})
	for _, m := range chain {
		if m.To > maxVersion {
			maxVersion = m.To
		}
		for _, collection := range m.Collections {
			if _, dup := seen[collection]; dup {
				continue
			}
			seen[collection] = struct{}{}
			n, err := r.store.Count(ctx, collection)
			if err != nil {
				return res, err
			}
			res.RecordCounts[collection] = n
		}
	}
	if version < 0 || version > maxVersion {
		res.IsValid = false
		res.Violations = append(res.Violations,
			fmt.Sprintf("version %d outside registered chain [0,%d]", version, maxVersion))
	}
	return res, nil
}

// Rollback reverts the most recently applied migration of a domain when it
// is reversible, again as one atomic transaction.
func (r *Runner) Rollback(ctx context.Context, domain string) (RollbackResult, error) {
	res := RollbackResult{}
	chain, ok := r.domains[domain]
	if !ok {
		res.Message = fmt.Sprintf("unknown domain %q", domain)
		return res, nil
	}
	version, err := r.meta.SchemaVersion(ctx, domain)
	if err != nil {
		return res, err
	}
	res.FromVersion = version
	if version == 0 {
		res.Message = "already at version 0"
		return res, nil
	}
	var target *Migration
	for i := range chain {
		if chain[i].To == version {
			target = &chain[i]
			break
		}
	}
	if target == nil {
		res.Message = fmt.Sprintf("no registered migration ends at version %d", version)
		return res, nil
	}
	if !target.Reversible {
		res.Message = fmt.Sprintf("migration %q is not reversible", target.ID)
		return res, nil
	}
	writes, _, err := r.collectWrites(ctx, target.Collections, target.Reverse)
	if err != nil {
		return res, err
	}
	res.RecordsReverted = len(writes)
	var newVersion []byte
	if target.From != 0 {
		newVersion = meta.EncodeVersion(target.From)
	}
	writes = append(writes, txn.Write{
		Collection: meta.Collection,
		Key:        meta.VersionKey(domain),
		Old:        meta.EncodeVersion(target.To),
		New:        newVersion,
	})
	if _, err := r.engine.Run(ctx, "rollback/"+target.ID, writes); err != nil {
		return res, err
	}
	res.Success = true
	res.ToVersion = target.From
	res.Message = fmt.Sprintf("reverted %q", target.ID)
	r.log.Info().Str("domain", domain).Str("migration", target.ID).Msg("migration reverted")
	return res, nil
}
