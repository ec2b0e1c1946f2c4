package docs

import (
	"sync"

	"p2pchat/internal/crypto"
)

// BlobStore holds content addressed by its SHA3-256 hash.
type BlobStore interface {
	Put(data []byte) (crypto.Hash, error)
	Get(h crypto.Hash) ([]byte, bool)
	Has(h crypto.Hash) bool
}

type MemBlobs struct {
	mu    sync.RWMutex
	blobs map[crypto.Hash][]byte
}

func NewMemBlobs() *MemBlobs {
	return &MemBlobs{blobs: make(map[crypto.Hash][]byte)}
}

func (m *MemBlobs) Put(data []byte) (crypto.Hash, error) {
	h := crypto.HashBytes(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.blobs[h] = cp
	m.mu.Unlock()
	return h, nil
}

func (m *MemBlobs) Get(h crypto.Hash) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[h]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, true
}

func (m *MemBlobs) Has(h crypto.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[h]
	return ok
}
