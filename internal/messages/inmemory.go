package messages

import (
	"context"
	"sync"
	"time"
)

// InMemoryLog is an in-process message log for local/dev use.
type InMemoryLog struct {
	mu       sync.RWMutex
	nextID   int64
	records  map[string][]Message
	sessions map[string]string
}

func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{
		records:  make(map[string][]Message),
		sessions: make(map[string]string),
	}
}

func (l *InMemoryLog) RegisterSession(_ context.Context, sessionID, protocol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[sessionID] = protocol
	return nil
}

func (l *InMemoryLog) Append(_ context.Context, msg Message) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	msg.ID = l.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	l.records[msg.SessionID] = append(l.records[msg.SessionID], msg)
	return msg, nil
}

func (l *InMemoryLog) List(_ context.Context, sessionID string) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	arr := l.records[sessionID]
	out := make([]Message, len(arr))
	copy(out, arr)
	return out, nil
}

func (l *InMemoryLog) Close() error { return nil }
