// Package lock provides named, ephemeral mutual exclusion for canvas
// mutations. One holder at a time per name; no queueing guarantees.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrOperationTooFrequent = errors.New("operation too frequent: lock retries exhausted")

// Service hands out named locks. TryAcquire returns a nil Handle and nil
// error when the lock is held elsewhere; errors are reserved for the lock
// backend itself failing.
type Service interface {
	TryAcquire(ctx context.Context, name string) (*Handle, error)
}

// Handle releases a held lock. Release is idempotent: releasing twice is
// safe, which lets orchestration code release in a defer on every exit path
// without tracking whether an earlier path already did.
type Handle struct {
	name    string
	release func()
	once    sync.Once
}

func NewHandle(name string, release func()) *Handle {
	return &Handle{name: name, release: release}
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// SyncName returns the lock name serializing mutations of one canvas.
func SyncName(canvasID string) string {
	return "canvas-sync:" + canvasID
}

// MemoryService is an in-process Service for tests and single-node use.
type MemoryService struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryService() *MemoryService {
	return &MemoryService{held: make(map[string]struct{})}
}

func (s *MemoryService) TryAcquire(ctx context.Context, name string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.held[name]; taken {
		return nil, nil
	}
	s.held[name] = struct{}{}

	return NewHandle(name, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.held, name)
	}), nil
}

// Held reports whether the named lock is currently held.
func (s *MemoryService) Held(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, taken := s.held[name]
	return taken
}
