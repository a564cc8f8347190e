package cryptostore_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/bdobrica/torii/internal/torii/cryptostore"
)

type fakeValueStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newFakeValueStore() *fakeValueStore {
	return &fakeValueStore{values: map[string][]byte{}}
}

func (f *fakeValueStore) key(scope, key string) string { return scope + "\x00" + key }

func (f *fakeValueStore) GetValue(ctx context.Context, scope, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[f.key(scope, key)]
	return v, ok, nil
}

func (f *fakeValueStore) SetValue(ctx context.Context, scope, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[f.key(scope, key)] = value
	return nil
}

var testKey = bytes.Repeat([]byte{0x42}, 32)

func TestStore_InvalidKeySize(t *testing.T) {
	_, err := cryptostore.New(newFakeValueStore(), []byte("too short"))
	if err == nil {
		t.Fatal("expected error for invalid key size")
	}
}

func TestStore_RoomRoundTrip(t *testing.T) {
	backing := newFakeValueStore()
	s, err := cryptostore.New(backing, testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	_, ok, err := s.GetRoom(ctx, "!room:example.com")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if ok {
		t.Fatal("expected no room config before StoreRoom")
	}

	if err := s.StoreRoom(ctx, "!room:example.com", []byte(`{"algorithm":"m.megolm.v1.aes-sha2"}`)); err != nil {
		t.Fatalf("StoreRoom: %v", err)
	}

	blob, ok, err := s.GetRoom(ctx, "!room:example.com")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if !ok {
		t.Fatal("expected room config to be present")
	}
	if string(blob) != `{"algorithm":"m.megolm.v1.aes-sha2"}` {
		t.Errorf("blob: got %q", blob)
	}

	rawKey, _, _ := backing.GetValue(ctx, "cryptostore:room", "!room:example.com")
	if bytes.Contains(rawKey, []byte("megolm")) {
		t.Error("expected room config to be encrypted at rest, found plaintext in backing store")
	}
}

func TestStore_DeviceIDRoundTrip(t *testing.T) {
	backing := newFakeValueStore()
	s, err := cryptostore.New(backing, testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	_, ok, err := s.ReadDeviceID(ctx, "@_bridge_alice:example.com")
	if err != nil {
		t.Fatalf("ReadDeviceID: %v", err)
	}
	if ok {
		t.Fatal("expected no device id before SetDeviceID")
	}

	if err := s.SetDeviceID(ctx, "@_bridge_alice:example.com", "DEVICEID1"); err != nil {
		t.Fatalf("SetDeviceID: %v", err)
	}

	deviceID, ok, err := s.ReadDeviceID(ctx, "@_bridge_alice:example.com")
	if err != nil {
		t.Fatalf("ReadDeviceID: %v", err)
	}
	if !ok {
		t.Fatal("expected device id to be present")
	}
	if deviceID != "DEVICEID1" {
		t.Errorf("deviceID: got %q, want %q", deviceID, "DEVICEID1")
	}
}

func TestStore_DecryptFailsWithWrongKey(t *testing.T) {
	backing := newFakeValueStore()
	s, err := cryptostore.New(backing, testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := s.StoreRoom(ctx, "!room:example.com", []byte("secret")); err != nil {
		t.Fatalf("StoreRoom: %v", err)
	}

	otherKey := bytes.Repeat([]byte{0x24}, 32)
	other, err := cryptostore.New(backing, otherKey)
	if err != nil {
		t.Fatalf("New (other key): %v", err)
	}
	if _, _, err := other.GetRoom(ctx, "!room:example.com"); err == nil {
		t.Fatal("expected decrypt failure when using the wrong key")
	}
}
