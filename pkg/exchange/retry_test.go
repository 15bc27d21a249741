package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

// conflictStore fails the first `conflicts` transactions with ErrConflict
// and records every attempt.
type conflictStore struct {
	conflicts int
	attempts  int
	err       error
}

func (s *conflictStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	s.attempts++
	if s.err != nil {
		return s.err
	}
	if s.attempts <= s.conflicts {
		return fmt.Errorf("serialization failure: %w", ErrConflict)
	}
	return nil
}

func (s *conflictStore) Close() error { return nil }

type stubClock struct {
	waits int
	// blockAfter makes After return a channel that never fires, so only
	// context cancellation can end a backoff wait.
	blockAfter bool
}

func (c *stubClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func (c *stubClock) After(time.Duration) <-chan time.Time {
	c.waits++
	if c.blockAfter {
		return make(chan time.Time)
	}
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func retryEngine(store Store, clock *stubClock, maxAttempts int) *Engine {
	cfg := DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	return NewEngine(store, cfg, clock, nil, zap.NewNop().Sugar())
}

func TestRunInTxRetriesConflictsThenSucceeds(t *testing.T) {
	store := &conflictStore{conflicts: 2}
	clock := &stubClock{}
	e := retryEngine(store, clock, 5)

	err := e.runInTx(context.Background(), func(tx Tx) error { return nil })
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if store.attempts != 3 {
		t.Errorf("attempts = %d, want 3", store.attempts)
	}
	if clock.waits != 2 {
		t.Errorf("backoff waits = %d, want 2", clock.waits)
	}
}

func TestRunInTxExhaustsBoundedAttempts(t *testing.T) {
	store := &conflictStore{conflicts: 100}
	clock := &stubClock{}
	e := retryEngine(store, clock, 4)

	err := e.runInTx(context.Background(), func(tx Tx) error { return nil })
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if store.attempts != 4 {
		t.Errorf("attempts = %d, want exactly 4", store.attempts)
	}
}

// Only write conflicts are retried; any other failure propagates at once.
func TestRunInTxDoesNotRetryOtherErrors(t *testing.T) {
	store := &conflictStore{err: ErrInsufficientBalance}
	clock := &stubClock{}
	e := retryEngine(store, clock, 5)

	err := e.runInTx(context.Background(), func(tx Tx) error { return nil })
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if store.attempts != 1 {
		t.Errorf("attempts = %d, want 1", store.attempts)
	}
	if clock.waits != 0 {
		t.Errorf("backoff waits = %d, want 0", clock.waits)
	}
}

func TestRunInTxHonorsContextDuringBackoff(t *testing.T) {
	store := &conflictStore{conflicts: 100}
	e := retryEngine(store, &stubClock{blockAfter: true}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.runInTx(ctx, func(tx Tx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if store.attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no attempt after cancellation)", store.attempts)
	}
}
