package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newReplicaClients returns independent clients on one server, one per
// simulated process.
func newReplicaClients(t *testing.T, n int) (*miniredis.Miniredis, []*redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	clients := make([]*redis.Client, n)
	for i := range clients {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		clients[i] = c
	}
	return mr, clients
}

func TestRedisLocksExcludeOtherProcesses(t *testing.T) {
	_, clients := newReplicaClients(t, 2)
	a := NewRedisLocks(clients[0], time.Minute)
	b := NewRedisLocks(clients[1], time.Minute)

	unlock, err := a.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx, "s1"); err == nil {
		t.Fatalf("second process Lock() error = nil, want deadline exceeded")
	}
	other, err := b.Lock(context.Background(), "s2")
	if err != nil {
		t.Fatalf("Lock(s2) error = %v, want no wait on another id", err)
	}
	other()

	unlock()
	unlock()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	unlockB, err := b.Lock(ctx2, "s1")
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	unlockB()
}

func TestRedisLocksReleaseKeepsSuccessorLock(t *testing.T) {
	mr, clients := newReplicaClients(t, 2)
	a := NewRedisLocks(clients[0], time.Second)
	b := NewRedisLocks(clients[1], time.Minute)

	unlockA, err := a.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	mr.FastForward(2 * time.Second)

	unlockB, err := b.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock() after lease expiry error = %v", err)
	}
	defer unlockB()

	unlockA()
	if !mr.Exists(lockKey("s1")) {
		t.Fatalf("expired holder released the successor's lock")
	}
}

func TestRedisLocksRenewLease(t *testing.T) {
	mr, clients := newReplicaClients(t, 1)
	l := NewRedisLocks(clients[0], time.Second)

	unlock, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	mr.FastForward(900 * time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	mr.FastForward(900 * time.Millisecond)
	if !mr.Exists(lockKey("s1")) {
		t.Fatalf("lock expired while its holder was alive")
	}
}
