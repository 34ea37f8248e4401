// Package messages records every rendered utterance of an interview, in
// insertion order, for display.
package messages

import (
	"context"
	"time"
)

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Message is one rendered utterance.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	AudioURL  *string   `json:"audio_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Log stores messages. Append assigns ID and CreatedAt; ids increase
// monotonically across the whole store. List returns a session's messages in
// ascending id order.
type Log interface {
	RegisterSession(ctx context.Context, sessionID, protocol string) error
	Append(ctx context.Context, msg Message) (Message, error)
	List(ctx context.Context, sessionID string) ([]Message, error)
	Close() error
}

// URL returns a pointer to url, or nil when url is empty.
func URL(url string) *string {
	if url == "" {
		return nil
	}
	return &url
}
