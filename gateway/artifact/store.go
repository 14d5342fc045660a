// Package artifact provides the narrow blob store surface the gateway
// consumes: put a request input, get it back by reference. The storage
// engineering itself lives elsewhere; this package ships an in-memory store
// for tests and local runs and an S3-backed store for production.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrStorage wraps any backend failure so callers can classify without
// knowing the backend.
var ErrStorage = errors.New("artifact storage error")

// ErrNotFound reports an unknown artifact reference.
var ErrNotFound = fmt.Errorf("%w: artifact not found", ErrStorage)

// Store persists and retrieves request input blobs.
type Store interface {
	// Put stores the blob under the given key and returns an opaque reference.
	Put(ctx context.Context, key string, blob []byte) (string, error)
	// Get retrieves the blob for a reference previously returned by Put.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// MemoryStore keeps blobs in process memory. References use the form
// "mem://<key>".
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put implements Store for MemoryStore.
func (m *MemoryStore) Put(_ context.Context, key string, blob []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), blob...)
	return "mem://" + key, nil
}

// Get implements Store for MemoryStore.
func (m *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	key, ok := strings.CutPrefix(ref, "mem://")
	if !ok {
		return nil, fmt.Errorf("%w: bad reference %q", ErrStorage, ref)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
