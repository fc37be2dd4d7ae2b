package enc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/carebridge/carestore/internal/kv"
)

const keyLen = 32

// ErrNoCandidate is returned when a rotation step needs a candidate key that
// the keyring does not hold.
var ErrNoCandidate = errors.New("enc: keyring holds no candidate key")

type keyringFile struct {
	Active    string `json:"active"`
	Candidate string `json:"candidate,omitempty"`
	Journal   string `json:"journal,omitempty"`
}

// Keyring holds the active, candidate, and journal keys in a mode-0600 file
// next to the store. The candidate exists only while a rotation is underway;
// the journal key seals write-ahead snapshots and never rotates with the
// data keys.
type Keyring struct {
	path string

	mu        sync.Mutex
	active    []byte
	candidate []byte
	journal   []byte
}

// OpenKeyring loads the keyring at path, generating missing keys on first use.
func OpenKeyring(path string) (*Keyring, error) {
	if path == "" {
		return nil, errors.New("enc: keyring path required")
	}
	k := &Keyring{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("enc: read keyring: %w", err)
		}
		k.active = newKey()
		k.journal = newKey()
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}
	var f keyringFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("enc: parse keyring: %w", err)
	}
	if k.active, err = hex.DecodeString(f.Active); err != nil || len(k.active) != keyLen {
		return nil, errors.New("enc: keyring active key malformed")
	}
	if f.Candidate != "" {
		if k.candidate, err = hex.DecodeString(f.Candidate); err != nil || len(k.candidate) != keyLen {
			return nil, errors.New("enc: keyring candidate key malformed")
		}
	}
	if f.Journal != "" {
		if k.journal, err = hex.DecodeString(f.Journal); err != nil || len(k.journal) != keyLen {
			return nil, errors.New("enc: keyring journal key malformed")
		}
	} else {
		k.journal = newKey()
		if err := k.persist(); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func newKey() []byte {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("enc: entropy unavailable: %v", err))
	}
	return key
}

// persist writes the keyring atomically (temp file + rename).
func (k *Keyring) persist() error {
	f := keyringFile{Active: hex.EncodeToString(k.active)}
	if k.candidate != nil {
		f.Candidate = hex.EncodeToString(k.candidate)
	}
	if k.journal != nil {
		f.Journal = hex.EncodeToString(k.journal)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("enc: marshal keyring: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("enc: write keyring: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("enc: replace keyring: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(k.path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// ActiveCipher returns a cipher over the active key.
func (k *Keyring) ActiveCipher() (kv.Cipher, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return newAESGCM(k.active)
}

// JournalCipher returns a cipher over the journal key.
func (k *Keyring) JournalCipher() (kv.Cipher, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return newAESGCM(k.journal)
}

// CandidateCipher returns a cipher over the candidate key.
func (k *Keyring) CandidateCipher() (kv.Cipher, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.candidate == nil {
		return nil, ErrNoCandidate
	}
	return newAESGCM(k.candidate)
}

// HasCandidate reports whether a candidate key is staged.
func (k *Keyring) HasCandidate() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.candidate != nil
}

// GenerateCandidate stages and persists a fresh candidate key, replacing any
// previous candidate.
func (k *Keyring) GenerateCandidate() (kv.Cipher, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.candidate = newKey()
	if err := k.persist(); err != nil {
		k.candidate = nil
		return nil, err
	}
	return newAESGCM(k.candidate)
}

// Promote makes the candidate the active key and discards the previous one.
func (k *Keyring) Promote() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.candidate == nil {
		return ErrNoCandidate
	}
	k.active = k.candidate
	k.candidate = nil
	return k.persist()
}

// aesGCM is the collection cipher: AES-256-GCM with a random nonce prefix.
type aesGCM struct {
	aead cipher.AEAD
}

func newAESGCM(key []byte) (kv.Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("enc: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("enc: gcm: %w", err)
	}
	return &aesGCM{aead: aead}, nil
}

func (c *aesGCM) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("enc: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *aesGCM) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, errors.New("enc: ciphertext too short")
	}
	nonce, body := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, body, nil)
}
