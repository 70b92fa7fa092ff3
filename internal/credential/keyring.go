// Package credential resolves account passwords from the system keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// ErrNotFound is returned when no credential is stored under a key
var ErrNotFound = errors.New("credential not found")

// Store reads and writes secrets in a keyring
type Store struct {
	ring keyring.Keyring
}

// NewStore wraps an opened keyring
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Open opens the platform keyring, falling back to an encrypted file
// under dir
func Open(dir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// Get retrieves a credential value by key
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key
func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key
func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Remember stores password under key unless that value is already stored.
// It reports whether the keyring was written; an empty key or password is
// left alone.
func (s *Store) Remember(key, password string) (bool, error) {
	if key == "" || password == "" {
		return false, nil
	}
	current, err := s.Get(key)
	switch {
	case err == nil && current == password:
		return false, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return false, err
	}
	if err := s.Set(key, password); err != nil {
		return false, err
	}
	return true, nil
}

// Resolve returns password when set, otherwise the secret stored under key
func (s *Store) Resolve(password, key string) (string, error) {
	if password != "" {
		return password, nil
	}
	if key == "" {
		return "", ErrNotFound
	}
	return s.Get(key)
}
