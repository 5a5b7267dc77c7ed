package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// countingService reports contention until succeedAfter attempts have been
// made, then grants the lock.
type countingService struct {
	mu           sync.Mutex
	attempts     int
	succeedAfter int
}

func (s *countingService) TryAcquire(ctx context.Context, name string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.succeedAfter > 0 && s.attempts >= s.succeedAfter {
		return NewHandle(name, nil), nil
	}
	return nil, nil
}

func (s *countingService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestAcquireWithRetryExhaustionIsBounded(t *testing.T) {
	t.Parallel()

	svc := &countingService{}
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 2.0}

	handle, err := AcquireWithRetry(context.Background(), svc, "c1", policy)

	if handle != nil {
		t.Fatal("acquire should have failed")
	}
	if !errors.Is(err, ErrOperationTooFrequent) {
		t.Fatalf("got %v, want ErrOperationTooFrequent", err)
	}
	if got := svc.count(); got != 4 {
		t.Errorf("attempts: got %d, want exactly 4 (1 initial + 3 retries)", got)
	}
}

func TestAcquireWithRetryEventuallySucceeds(t *testing.T) {
	t.Parallel()

	svc := &countingService{succeedAfter: 3}
	policy := RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, Multiplier: 2.0}

	handle, err := AcquireWithRetry(context.Background(), svc, "c1", policy)
	if err != nil {
		t.Fatalf("AcquireWithRetry failed: %v", err)
	}
	if handle == nil {
		t.Fatal("expected a handle")
	}
	if got := svc.count(); got != 3 {
		t.Errorf("attempts: got %d, want 3", got)
	}
}

func TestAcquireWithRetryFirstTryNoSleep(t *testing.T) {
	t.Parallel()

	svc := &countingService{succeedAfter: 1}
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour, Multiplier: 2.0}

	start := time.Now()
	handle, err := AcquireWithRetry(context.Background(), svc, "c1", policy)
	if err != nil || handle == nil {
		t.Fatalf("AcquireWithRetry: handle=%v err=%v", handle, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("uncontended acquire should not sleep, took %v", elapsed)
	}
}

func TestAcquireWithRetryStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	svc := &countingService{}
	policy := RetryPolicy{MaxRetries: 10, InitialDelay: 50 * time.Millisecond, Multiplier: 2.0}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := AcquireWithRetry(ctx, svc, "c1", policy)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()
	if policy.MaxRetries != 3 || policy.InitialDelay != 100*time.Millisecond || policy.Multiplier != 2.0 {
		t.Errorf("unexpected defaults: %+v", policy)
	}
}
