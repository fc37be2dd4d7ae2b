package migrate

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/carestore/internal/journal"
	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/meta"
	"github.com/carebridge/carestore/internal/txn"
)

func openTestRunner(t *testing.T) (*Runner, *kv.Store, *meta.Store) {
	t.Helper()
	s, err := kv.Open(kv.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		Collections: []string{meta.Collection, "vitals"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	j, err := journal.New(s, nil)
	require.NoError(t, err)
	ms := meta.New(s)
	engine := txn.New(s, j, zerolog.Nop(), nil)
	return New(s, ms, engine, zerolog.Nop()), s, ms
}

func addField(name string, value any) Transform {
	return func(key string, raw []byte) ([]byte, bool, error) {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, false, err
		}
		if _, ok := doc[name]; ok {
			return nil, false, nil
		}
		doc[name] = value
		out, err := json.Marshal(doc)
		return out, true, err
	}
}

func dropField(name string) Transform {
	return func(key string, raw []byte) ([]byte, bool, error) {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, false, err
		}
		if _, ok := doc[name]; !ok {
			return nil, false, nil
		}
		delete(doc, name)
		out, err := json.Marshal(doc)
		return out, true, err
	}
}

func TestRegisterRejectsBrokenChains(t *testing.T) {
	r, _, _ := openTestRunner(t)

	require.Error(t, r.Register("", Migration{From: 0, To: 1, ID: "x", Transform: addField("a", 1)}))
	require.Error(t, r.Register("d", Migration{From: 0, To: 2, ID: "skips", Transform: addField("a", 1)}))
	require.Error(t, r.Register("d", Migration{From: 1, To: 2, ID: "starts-late", Transform: addField("a", 1)}))
	require.Error(t, r.Register("d", Migration{From: 0, To: 1, ID: "no-transform"}))
	require.Error(t, r.Register("d", Migration{From: 0, To: 1, ID: "no-reverse", Reversible: true, Transform: addField("a", 1)}))

	require.NoError(t, r.Register("d", Migration{From: 0, To: 1, ID: "ok", Transform: addField("a", 1)}))
	require.Error(t, r.Register("d", Migration{From: 0, To: 1, ID: "dup", Transform: addField("a", 1)}))
	require.NoError(t, r.Register("d", Migration{From: 1, To: 2, ID: "next", Transform: addField("b", 2)}))
}

func TestRunAllAppliesChainAndIsIdempotent(t *testing.T) {
	r, s, ms := openTestRunner(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "vitals", "r1", []byte(`{"hr":72}`)))
	require.NoError(t, s.Put(ctx, "vitals", "r2", []byte(`{"hr":80}`)))

	require.NoError(t, r.Register("vitals", Migration{
		From: 0, To: 1, ID: "add-unit",
		Collections: []string{"vitals"},
		Transform:   addField("unit", "bpm"),
	}))
	require.NoError(t, r.Register("vitals", Migration{
		From: 1, To: 2, ID: "add-source",
		Collections: []string{"vitals"},
		Transform:   addField("source", "monitor"),
	}))

	applied, err := r.RunAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	v, err := ms.SchemaVersion(ctx, "vitals")
	require.NoError(t, err)
	require.Equal(t, 2, v)

	raw, _, err := s.Get(ctx, "vitals", "r1")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "bpm", doc["unit"])
	require.Equal(t, "monitor", doc["source"])

	// A second run finds nothing pending.
	applied, err = r.RunAll(ctx)
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestRunAllFailureLeavesVersionUnchanged(t *testing.T) {
	r, s, ms := openTestRunner(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "vitals", "bad", []byte(`not json`)))
	require.NoError(t, r.Register("vitals", Migration{
		From: 0, To: 1, ID: "add-unit",
		Collections: []string{"vitals"},
		Transform:   addField("unit", "bpm"),
	}))

	_, err := r.RunAll(ctx)
	require.Error(t, err)

	v, err := ms.SchemaVersion(ctx, "vitals")
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestDryRunCountsWithoutWriting(t *testing.T) {
	r, s, ms := openTestRunner(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "vitals", "r1", []byte(`{"hr":72}`)))
	require.NoError(t, s.Put(ctx, "vitals", "r2", []byte(`{"hr":80,"unit":"bpm"}`)))
	require.NoError(t, r.Register("vitals", Migration{
		From: 0, To: 1, ID: "add-unit",
		Collections: []string{"vitals"},
		Transform:   addField("unit", "bpm"),
	}))

	res, err := r.DryRun(ctx, "vitals")
	require.NoError(t, err)
	require.True(t, res.CanMigrate)
	require.Equal(t, 1, res.RecordsToMigrate)

	// Nothing was applied.
	v, err := ms.SchemaVersion(ctx, "vitals")
	require.NoError(t, err)
	require.Zero(t, v)

	raw, _, err := s.Get(ctx, "vitals", "r1")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"hr":72}`), raw)
}

func TestDryRunUnknownDomain(t *testing.T) {
	r, _, _ := openTestRunner(t)
	res, err := r.DryRun(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, res.CanMigrate)
	require.NotEmpty(t, res.Errors)
}

func TestVerify(t *testing.T) {
	r, s, _ := openTestRunner(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "vitals", "r1", []byte(`{"hr":72}`)))
	require.NoError(t, r.Register("vitals", Migration{
		From: 0, To: 1, ID: "add-unit",
		Collections: []string{"vitals"},
		Transform:   addField("unit", "bpm"),
	}))
	_, err := r.RunAll(ctx)
	require.NoError(t, err)

	res, err := r.Verify(ctx, "vitals")
	require.NoError(t, err)
	require.True(t, res.IsValid)
	require.Equal(t, 1, res.RecordCounts["vitals"])
	require.Empty(t, res.Violations)
}

func TestRollbackRevertsReversibleMigration(t *testing.T) {
	r, s, ms := openTestRunner(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "vitals", "r1", []byte(`{"hr":72}`)))
	require.NoError(t, r.Register("vitals", Migration{
		From: 0, To: 1, ID: "add-unit",
		Collections: []string{"vitals"},
		Reversible:  true,
		Transform:   addField("unit", "bpm"),
		Reverse:     dropField("unit"),
	}))
	_, err := r.RunAll(ctx)
	require.NoError(t, err)

	res, err := r.Rollback(ctx, "vitals")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.FromVersion)
	require.Zero(t, res.ToVersion)
	require.Equal(t, 1, res.RecordsReverted)

	v, err := ms.SchemaVersion(ctx, "vitals")
	require.NoError(t, err)
	require.Zero(t, v)

	raw, _, err := s.Get(ctx, "vitals", "r1")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.NotContains(t, doc, "unit")
}

func TestRollbackRefusesIrreversible(t *testing.T) {
	r, s, _ := openTestRunner(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "vitals", "r1", []byte(`{"hr":72}`)))
	require.NoError(t, r.Register("vitals", Migration{
		From: 0, To: 1, ID: "one-way",
		Collections: []string{"vitals"},
		Transform:   addField("unit", "bpm"),
	}))
	_, err := r.RunAll(ctx)
	require.NoError(t, err)

	res, err := r.Rollback(ctx, "vitals")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Message, "not reversible")
}

func TestRollbackAtVersionZero(t *testing.T) {
	r, _, _ := openTestRunner(t)
	require.NoError(t, r.Register("vitals", Migration{
		From: 0, To: 1, ID: "x",
		Collections: []string{"vitals"},
		Transform:   addField("a", 1),
	}))
	res, err := r.Rollback(context.Background(), "vitals")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Message, "version 0")
}
