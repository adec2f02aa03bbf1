package keystore

import (
	"bytes"
	"sync"
)

// MemoryKeyStore keeps keys in process memory. Keys are lost on exit, so it
// suits tests and throwaway vaults only.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (s *MemoryKeyStore) Store(tag string, key []byte) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[tag] = bytes.Clone(key)
	return nil
}

func (s *MemoryKeyStore) Retrieve(tag string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[tag]
	if !ok {
		return nil, &KeyNotFoundError{Tag: tag}
	}
	return bytes.Clone(key), nil
}

// Len returns the number of stored keys
func (s *MemoryKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
