// Package identity manages the local peer identity: a signing and an
// agreement keypair persisted as seeds in a key vault, with the user ID
// derived from the signing key on every load.
package identity

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Vault.Get for absent keys.
var ErrNotFound = errors.New("identity: key not found")

// Vault is pluggable key-value storage for identity material. Implementations
// must be safe for concurrent use.
type Vault interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// MemoryVault keeps identity material in process memory. Peers using it get
// a fresh identity every run, which is the ephemeral privacy default.
type MemoryVault struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMemoryVault returns an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{m: make(map[string][]byte)}
}

func (v *MemoryVault) Get(key string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (v *MemoryVault) Put(key string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = append([]byte(nil), value...)
	return nil
}

func (v *MemoryVault) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, key)
	return nil
}

func (v *MemoryVault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range v.m {
		for i := range val {
			val[i] = 0
		}
		delete(v.m, k)
	}
	return nil
}
