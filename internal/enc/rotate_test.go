package enc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/meta"
)

type rotateFixture struct {
	store *kv.Store
	meta  *meta.Store
	keys  *Keyring
	rot   *Rotator
}

func newRotateFixture(t *testing.T) *rotateFixture {
	t.Helper()
	dir := t.TempDir()
	s, err := kv.Open(kv.Config{
		Path:        filepath.Join(dir, "test.db"),
		Collections: []string{meta.Collection, "vitals", "sessions"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	k, err := OpenKeyring(filepath.Join(dir, "keyring.json"))
	require.NoError(t, err)
	ms := meta.New(s)
	return &rotateFixture{
		store: s,
		meta:  ms,
		keys:  k,
		rot:   NewRotator(s, ms, k, zerolog.Nop(), nil),
	}
}

func (f *rotateFixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	active, err := f.keys.ActiveCipher()
	require.NoError(t, err)
	require.NoError(t, f.store.SetCipher("vitals", active))
	require.NoError(t, f.store.SetCipher("sessions", active))
	require.NoError(t, f.store.Put(ctx, "vitals", "r1", []byte(`{"hr":72}`)))
	require.NoError(t, f.store.Put(ctx, "sessions", "s1", []byte(`{"room":"12b"}`)))
}

func TestRotationReencryptsEverything(t *testing.T) {
	f := newRotateFixture(t)
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.rot.Start(ctx))

	// Rotation finished: no checkpoint, no candidate, data readable.
	_, inProgress, err := f.rot.Status(ctx)
	require.NoError(t, err)
	require.False(t, inProgress)
	require.False(t, f.keys.HasCandidate())

	got, ok, err := f.store.Get(ctx, "vitals", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"hr":72}`), got)

	// The promoted key survives a keyring reload.
	k2, err := OpenKeyring(f.keys.path)
	require.NoError(t, err)
	c2, err := k2.ActiveCipher()
	require.NoError(t, err)
	require.NoError(t, f.store.SetCipher("vitals", c2))
	got, _, err = f.store.Get(ctx, "vitals", "r1")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"hr":72}`), got)
}

func TestStartRejectsConcurrentRotation(t *testing.T) {
	f := newRotateFixture(t)
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.meta.SetRotationState(ctx, meta.RotationState{
		Status: meta.RotationInProgress,
	}))
	require.ErrorIs(t, f.rot.Start(ctx), ErrRotationInProgress)
}

func TestResumeSkipsCompletedCollections(t *testing.T) {
	f := newRotateFixture(t)
	f.seed(t)
	ctx := context.Background()

	// Simulate a crash mid-rotation: vitals already re-encrypted under the
	// candidate and checkpointed, sessions still under the old key.
	cand, err := f.keys.GenerateCandidate()
	require.NoError(t, err)
	n, err := f.store.ReencryptCollection(ctx, "vitals", cand)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, f.meta.SetRotationState(ctx, meta.RotationState{
		Status:    meta.RotationInProgress,
		Completed: []string{"vitals"},
	}))

	resumed, err := f.rot.ResumeInterrupted(ctx)
	require.NoError(t, err)
	require.True(t, resumed)

	_, inProgress, err := f.rot.Status(ctx)
	require.NoError(t, err)
	require.False(t, inProgress)

	for _, tc := range []struct{ collection, key, want string }{
		{"vitals", "r1", `{"hr":72}`},
		{"sessions", "s1", `{"room":"12b"}`},
	} {
		got, ok, err := f.store.Get(ctx, tc.collection, tc.key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte(tc.want), got)
	}
}

func TestResumeClearsCheckpointLeftAfterPromotion(t *testing.T) {
	f := newRotateFixture(t)
	f.seed(t)
	ctx := context.Background()

	// Re-encrypt everything under the candidate and promote it, leaving the
	// checkpoint behind, as a kill between promotion and checkpoint clear
	// would. The store must stay openable from this state.
	cand, err := f.keys.GenerateCandidate()
	require.NoError(t, err)
	for _, collection := range []string{"sessions", "vitals"} {
		_, err = f.store.ReencryptCollection(ctx, collection, cand)
		require.NoError(t, err)
		require.NoError(t, f.store.SetCipher(collection, cand))
	}
	require.NoError(t, f.meta.SetRotationState(ctx, meta.RotationState{
		Status:    meta.RotationInProgress,
		Completed: []string{"sessions", "vitals"},
	}))
	require.NoError(t, f.keys.Promote())

	resumed, err := f.rot.ResumeInterrupted(ctx)
	require.NoError(t, err)
	require.True(t, resumed)

	_, inProgress, err := f.rot.Status(ctx)
	require.NoError(t, err)
	require.False(t, inProgress)
	require.False(t, f.keys.HasCandidate())

	got, ok, err := f.store.Get(ctx, "vitals", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"hr":72}`), got)
}

func TestResumeWithNothingPending(t *testing.T) {
	f := newRotateFixture(t)
	resumed, err := f.rot.ResumeInterrupted(context.Background())
	require.NoError(t, err)
	require.False(t, resumed)
}

func TestResumeWithoutCandidateFails(t *testing.T) {
	f := newRotateFixture(t)
	f.seed(t)
	ctx := context.Background()

	// Collections still await re-encryption but the candidate is gone: the
	// keyring no longer matches the checkpoint.
	require.NoError(t, f.meta.SetRotationState(ctx, meta.RotationState{
		Status: meta.RotationInProgress,
	}))
	resumed, err := f.rot.ResumeInterrupted(ctx)
	require.True(t, resumed)
	require.ErrorIs(t, err, ErrNoCandidate)
}
