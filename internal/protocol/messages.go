// Package protocol defines the payloads exchanged on the live message feed
// websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/cogscreen/internal/messages"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl   MessageType = "client_control"
	TypeMessageAppended MessageType = "message_appended"
	TypeHistory         MessageType = "history"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

// Client control actions.
const (
	ActionPing   = "ping"
	ActionResync = "resync"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// MessageAppended carries one message as soon as it is stored.
type MessageAppended struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id"`
	Message   messages.Message `json:"message"`
}

// History is the full ordered message list, sent on connect and on resync.
type History struct {
	Type      MessageType        `json:"type"`
	SessionID string             `json:"session_id"`
	Messages  []messages.Message `json:"messages"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewMessageAppended(msg messages.Message) MessageAppended {
	return MessageAppended{Type: TypeMessageAppended, SessionID: msg.SessionID, Message: msg}
}

func NewHistory(sessionID string, list []messages.Message) History {
	if list == nil {
		list = []messages.Message{}
	}
	return History{Type: TypeHistory, SessionID: sessionID, Messages: list}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionPing, ActionResync:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
