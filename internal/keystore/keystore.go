// Package keystore tracks the symmetric encryption keys devices announce
// over the control plane. The registry is purely advisory: the relay never
// uses these keys to decrypt anything, and they are never exposed back over
// the wire (§4.3). It mediates optional future server-side validation hooks
// without persisting secrets anywhere durable.
package keystore

import (
	"errors"
	"sync"
)

// KeyLength is the required length of a registered symmetric key, in bytes.
const KeyLength = 32

// ErrInvalidKeyLength is returned by StoreKey when the key is not KeyLength bytes.
var ErrInvalidKeyLength = errors.New("keystore: key must be 32 bytes")

// Store is a mutex-guarded device_id -> symmetric key map, independent of
// the Session Registry's lock.
type Store struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{keys: make(map[string][]byte)}
}

// StoreKey records the key for device_id, rejecting any key whose length is
// not exactly KeyLength.
func (s *Store) StoreKey(deviceID string, key []byte) error {
	if len(key) != KeyLength {
		return ErrInvalidKeyLength
	}
	cp := make([]byte, len(key))
	copy(cp, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[deviceID] = cp
	return nil
}

// Remove deletes the key for device_id, if any.
func (s *Store) Remove(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, deviceID)
}

// Get returns the key for device_id and whether it was present.
func (s *Store) Get(deviceID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[deviceID]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return cp, true
}

// IsRegistered reports whether device_id has a stored key.
func (s *Store) IsRegistered(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[deviceID]
	return ok
}
