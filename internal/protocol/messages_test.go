package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ent0n29/cogscreen/internal/messages"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"resync","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionResync || control.TSMs != 456 {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"client_control","action":"advance"}`)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want error")
	}
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want error")
	}
}

func TestMessageAppendedShape(t *testing.T) {
	b, err := json.Marshal(NewMessageAppended(messages.Message{ID: 7, SessionID: "s1", Role: messages.RoleUser, Text: "casa"}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got := string(b)
	for _, want := range []string{`"type":"message_appended"`, `"session_id":"s1"`, `"id":7`, `"audio_url":null`} {
		if !strings.Contains(got, want) {
			t.Fatalf("payload %s missing %s", got, want)
		}
	}
}

func TestNewHistoryNeverNull(t *testing.T) {
	b, _ := json.Marshal(NewHistory("s1", nil))
	if !strings.Contains(string(b), `"messages":[]`) {
		t.Fatalf("payload = %s", b)
	}
}
