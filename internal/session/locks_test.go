package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocksSerialiseSameID(t *testing.T) {
	l := NewLocks(time.Minute)
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "s1")
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if got := maxInside.Load(); got != 1 {
		t.Fatalf("max holders = %d, want 1", got)
	}
}

func TestLocksIndependentIDs(t *testing.T) {
	l := NewLocks(time.Minute)
	unlockA, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock(a) error = %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) error = %v, want no wait on another id", err)
	}
	unlockB()
}

func TestLocksHonourContext(t *testing.T) {
	l := NewLocks(time.Minute)
	unlock, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "s1"); err == nil {
		t.Fatalf("Lock() error = nil, want deadline exceeded")
	}
	unlock()

	unlock2, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock() after cancelled waiter error = %v", err)
	}
	unlock2()
}

func TestLocksJanitorDropsIdleEntries(t *testing.T) {
	l := NewLocks(30 * time.Millisecond)
	unlock, _ := l.Lock(context.Background(), "s1")
	unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if got := l.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}
