package session

import (
	"context"
	"sync"
	"time"
)

// Locker serialises work per session id. Lock blocks until the caller holds
// id or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, id string) (func(), error)
}

// Locks serialises work per session id within one process. Each id gets its own mutex so
// different sessions never wait on each other. Idle entries are dropped by
// the janitor.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	idleTTL time.Duration
}

type lockEntry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

func NewLocks(idleTTL time.Duration) *Locks {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Locks{entries: make(map[string]*lockEntry), idleTTL: idleTTL}
}

// Lock blocks until the caller holds id's mutex or ctx is done. The returned
// func releases it.
func (l *Locks) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { l.release(id, e) }, nil
	case <-ctx.Done():
		// Hand the mutex back as soon as the waiter gets it.
		go func() {
			<-acquired
			l.release(id, e)
		}()
		return nil, ctx.Err()
	}
}

func (l *Locks) release(id string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	e.lastUsed = time.Now()
	l.mu.Unlock()
	e.mu.Unlock()
}

// Len reports how many ids currently have an entry.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locks) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.expireIdle()
			}
		}
	}()
}

func (l *Locks) expireIdle() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		if e.refs > 0 {
			continue
		}
		if now.Sub(e.lastUsed) < l.idleTTL {
			continue
		}
		delete(l.entries, id)
	}
}
