// Package cryptostore implements the optional crypto-store interface: an
// opaque-blob room-encryption-config cache and a per-user device-ID record,
// both kept at rest under AES-256-GCM the way the teacher's common/crypto
// package protects secrets, backed by the shared store.Store key/value
// table the same way matrix.DBSyncStore shares that table for sync state.
package cryptostore

import (
	"context"
	"fmt"

	"github.com/bdobrica/torii/common/crypto"
)

const (
	scopeRoom   = "cryptostore:room"
	scopeDevice = "cryptostore:device"
)

// ValueStore is the subset of store.Store's key/value surface cryptostore
// needs; an interface so tests can supply an in-memory fake instead of a
// real SQLite-backed store.Store.
type ValueStore interface {
	GetValue(ctx context.Context, scope, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, scope, key string, value []byte) error
}

// Store is an at-rest-encrypted crypto-store: opaque room-config blobs and
// per-user device IDs, both required by MSC3202's key-claim/key-query
// forwarding to remember which device a ghost most recently used.
type Store struct {
	backing ValueStore
	key     []byte
}

// New constructs a Store. masterKey must be exactly crypto.KeySize (32)
// bytes; the same master key the rest of torii uses to protect secrets at
// rest.
func New(backing ValueStore, masterKey []byte) (*Store, error) {
	if len(masterKey) != crypto.KeySize {
		return nil, fmt.Errorf("cryptostore: %w", crypto.ErrInvalidKeySize)
	}
	return &Store{backing: backing, key: masterKey}, nil
}

// GetRoom returns the stored opaque encryption-config blob for roomID.
// Returns (nil, false, nil) when nothing has been stored yet.
func (s *Store) GetRoom(ctx context.Context, roomID string) ([]byte, bool, error) {
	ciphertext, ok, err := s.backing.GetValue(ctx, scopeRoom, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("cryptostore: get room %s: %w", roomID, err)
	}
	if !ok {
		return nil, false, nil
	}
	plaintext, err := crypto.Decrypt(s.key, ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("cryptostore: decrypt room %s: %w", roomID, err)
	}
	return plaintext, true, nil
}

// StoreRoom encrypts and persists blob as roomID's encryption-config.
func (s *Store) StoreRoom(ctx context.Context, roomID string, blob []byte) error {
	ciphertext, err := crypto.Encrypt(s.key, blob)
	if err != nil {
		return fmt.Errorf("cryptostore: encrypt room %s: %w", roomID, err)
	}
	if err := s.backing.SetValue(ctx, scopeRoom, roomID, ciphertext); err != nil {
		return fmt.Errorf("cryptostore: store room %s: %w", roomID, err)
	}
	return nil
}

// SetDeviceID records the device ID last used for sending/receiving
// MSC3202 one-time-key material on behalf of userID.
func (s *Store) SetDeviceID(ctx context.Context, userID, deviceID string) error {
	ciphertext, err := crypto.Encrypt(s.key, []byte(deviceID))
	if err != nil {
		return fmt.Errorf("cryptostore: encrypt device id for %s: %w", userID, err)
	}
	if err := s.backing.SetValue(ctx, scopeDevice, userID, ciphertext); err != nil {
		return fmt.Errorf("cryptostore: store device id for %s: %w", userID, err)
	}
	return nil
}

// ReadDeviceID returns the last recorded device ID for userID. Returns
// ("", false, nil) when none has been recorded.
func (s *Store) ReadDeviceID(ctx context.Context, userID string) (string, bool, error) {
	ciphertext, ok, err := s.backing.GetValue(ctx, scopeDevice, userID)
	if err != nil {
		return "", false, fmt.Errorf("cryptostore: get device id for %s: %w", userID, err)
	}
	if !ok {
		return "", false, nil
	}
	plaintext, err := crypto.Decrypt(s.key, ciphertext)
	if err != nil {
		return "", false, fmt.Errorf("cryptostore: decrypt device id for %s: %w", userID, err)
	}
	return string(plaintext), true, nil
}
