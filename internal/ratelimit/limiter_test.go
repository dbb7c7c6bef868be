package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireReleasePairs(t *testing.T) {
	l := New(1000.0, 2, 10)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	l.Release()
	l.Release()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after Release failed: %v", err)
	}
	l.Release()
}

func TestConcurrencySlotBlocks(t *testing.T) {
	l := New(1000.0, 1, 10)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	var acquired atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.Acquire(ctx); err != nil {
			t.Errorf("blocked Acquire failed: %v", err)
			return
		}
		acquired.Store(true)
		l.Release()
	}()

	time.Sleep(50 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("second Acquire succeeded while the only slot was held")
	}

	l.Release()
	wg.Wait()
	if !acquired.Load() {
		t.Fatal("second Acquire never completed after Release")
	}
}

func TestTokenBucketThrottles(t *testing.T) {
	// Burst of 2, then 20/s: the third acquire must wait ~50ms for a token.
	l := New(20.0, 5, 2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		l.Release()
	}
	elapsed := time.Since(start)

	if elapsed < 30*time.Millisecond {
		t.Errorf("three acquires with burst 2 at 20/s finished in %v, expected a refill wait", elapsed)
	}
}

func TestBurstWithinCapacityIsImmediate(t *testing.T) {
	l := New(1.0, 5, 5)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		l.Release()
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 within capacity took %v, expected no throttling", elapsed)
	}
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	l := New(1000.0, 1, 10)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err == nil {
		t.Fatal("Acquire returned nil with no free slot and a canceled context")
	}

	// The held slot must still be releasable and reusable.
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after cancel+release failed: %v", err)
	}
	l.Release()
}

func TestPreconfiguredLimiters(t *testing.T) {
	for name, l := range map[string]*Limiter{
		"primary":  PrimaryProvider,
		"fallback": FallbackProvider,
		"cluster":  ClusterOracle,
		"premium":  PremiumOracle,
	} {
		if l == nil {
			t.Errorf("limiter %s is nil", name)
		}
	}
	if cap(ClusterOracle.slots) != 1 {
		t.Errorf("cluster oracle concurrency = %d, want 1", cap(ClusterOracle.slots))
	}
	if cap(PrimaryProvider.slots) != 5 {
		t.Errorf("primary provider concurrency = %d, want 5", cap(PrimaryProvider.slots))
	}
}
