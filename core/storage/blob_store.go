// Package storage provides the blob store the canvas engine persists
// snapshots into, plus directory resolution for the embedded backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Key  string
	Size int64
}

// BlobStore is keyed blob storage with put/get/stat semantics. Keys are
// opaque to the store; the engine namespaces them per canvas and version.
// Blobs are written once and immutable thereafter, so readers never observe
// partial writes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (BlobInfo, error)
	Close() error
}

// StateKey returns the snapshot key for one canvas version.
func StateKey(canvasID, version string) string {
	return fmt.Sprintf("canvas-state/%s/%s", canvasID, version)
}

// MemoryBlobStore is an in-memory BlobStore for tests and single-process use.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = cloneBlob(data)
	return nil
}

func (s *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, ErrBlobNotFound)
	}
	return cloneBlob(data), nil
}

func (s *MemoryBlobStore) Stat(_ context.Context, key string) (BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return BlobInfo{}, fmt.Errorf("stat %q: %w", key, ErrBlobNotFound)
	}
	return BlobInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *MemoryBlobStore) Close() error {
	return nil
}

func (s *MemoryBlobStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func cloneBlob(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
