package enc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenKeyringGeneratesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")

	k, err := OpenKeyring(path)
	require.NoError(t, err)
	require.False(t, k.HasCandidate())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A reloaded keyring decrypts what the first one encrypted.
	c1, err := k.ActiveCipher()
	require.NoError(t, err)
	sealed, err := c1.Encrypt([]byte("resident vitals"))
	require.NoError(t, err)

	k2, err := OpenKeyring(path)
	require.NoError(t, err)
	c2, err := k2.ActiveCipher()
	require.NoError(t, err)
	plain, err := c2.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("resident vitals"), plain)
}

func TestCandidateLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	k, err := OpenKeyring(path)
	require.NoError(t, err)

	_, err = k.CandidateCipher()
	require.ErrorIs(t, err, ErrNoCandidate)
	require.ErrorIs(t, k.Promote(), ErrNoCandidate)

	cand, err := k.GenerateCandidate()
	require.NoError(t, err)
	require.True(t, k.HasCandidate())

	sealed, err := cand.Encrypt([]byte("v"))
	require.NoError(t, err)

	// The staged candidate survives a reload.
	k2, err := OpenKeyring(path)
	require.NoError(t, err)
	require.True(t, k2.HasCandidate())

	require.NoError(t, k.Promote())
	require.False(t, k.HasCandidate())

	// After promotion the candidate key is the active key.
	active, err := k.ActiveCipher()
	require.NoError(t, err)
	plain, err := active.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), plain)
}

func TestAESGCMRejectsTamperedCiphertext(t *testing.T) {
	k, err := OpenKeyring(filepath.Join(t.TempDir(), "keyring.json"))
	require.NoError(t, err)
	c, err := k.ActiveCipher()
	require.NoError(t, err)

	sealed, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Decrypt(sealed)
	require.Error(t, err)

	_, err = c.Decrypt([]byte("short"))
	require.Error(t, err)
}
