package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists one TokenSet encrypted at rest with AES-256-GCM. The key is
// derived from an operator-supplied passphrase; losing the passphrase only
// costs a re-authentication, never mail.
type Store struct {
	path string
	key  [32]byte
}

// NewStore derives the encryption key and prepares the directory.
func NewStore(path, passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("token store requires a non-empty encryption passphrase")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create token store directory: %w", err)
	}
	return &Store{path: path, key: sha256.Sum256([]byte(passphrase))}, nil
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Save encrypts and durably writes the set, replacing any previous one.
func (s *Store) Save(set *Set) error {
	plain, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode token set: %w", err)
	}
	gcm, err := s.gcm()
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load decrypts the persisted set. A missing file returns (nil, nil) so the
// caller starts unauthenticated; a corrupt or wrongly keyed file is an error.
func (s *Store) Load() (*Set, error) {
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token store: %w", err)
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("token store too short")
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt token store: %w", err)
	}
	var set Set
	if err := json.Unmarshal(plain, &set); err != nil {
		return nil, fmt.Errorf("decode token set: %w", err)
	}
	return &set, nil
}

// Clear removes the persisted set.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
