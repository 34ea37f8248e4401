package messages

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Hub fans appended messages out to live subscribers of a session. Slow
// subscribers miss messages rather than block appends; they can re-read the
// full history from the Log.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan Message
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]chan Message)}
}

// Subscribe registers for messages of sessionID. The returned cancel func
// unregisters and closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Message, func()) {
	ch := make(chan Message, 16)
	id := uuid.NewString()

	h.mu.Lock()
	bySession, ok := h.subs[sessionID]
	if !ok {
		bySession = make(map[string]chan Message)
		h.subs[sessionID] = bySession
	}
	bySession[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], id)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[msg.SessionID] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Publishing wraps log so every successful Append is published on hub.
func Publishing(log Log, hub *Hub) Log {
	return &publishingLog{Log: log, hub: hub}
}

type publishingLog struct {
	Log
	hub *Hub
}

func (p *publishingLog) Append(ctx context.Context, msg Message) (Message, error) {
	stored, err := p.Log.Append(ctx, msg)
	if err != nil {
		return Message{}, err
	}
	p.hub.Publish(stored)
	return stored, nil
}
