package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/cogscreen/internal/reliability"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDeepgramTranscribeCollectsFinalResults(t *testing.T) {
	type seenRequest struct {
		auth, query string
		bytes       int
	}
	seen := make(chan seenRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := seenRequest{auth: r.Header.Get("Authorization"), query: r.URL.RawQuery}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				req.bytes += len(msg)
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				break
			}
		}
		seen <- req
		frames := []string{
			`{"type":"Results","is_final":false,"start":0,"duration":0.4,"channel":{"alternatives":[{"transcript":"oggi"}]}}`,
			`{"type":"Results","is_final":true,"start":0,"duration":1.5,"channel":{"alternatives":[{"transcript":"oggi è"}]}}`,
			`{"type":"Results","is_final":true,"start":1.5,"duration":1,"channel":{"alternatives":[{"transcript":"lunedì"}]}}`,
			`{"type":"Metadata","request_id":"req-1"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "answer.webm")
	payload := make([]byte, 70<<10)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	dg, err := NewDeepgram(DeepgramConfig{APIKey: "secret", BaseURL: wsURL(srv), Model: "nova-2"})
	if err != nil {
		t.Fatalf("NewDeepgram() error = %v", err)
	}
	got, err := dg.Transcribe(context.Background(), TranscribeRequest{AudioPath: path, Language: "it"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "oggi è lunedì" {
		t.Fatalf("Text = %q", got.Text)
	}
	if len(got.Segments) != 2 || got.Segments[1].Start != 1.5 || got.Segments[1].End != 2.5 {
		t.Fatalf("Segments = %+v", got.Segments)
	}
	if got.Meta["request_id"] != "req-1" {
		t.Fatalf("Meta = %v", got.Meta)
	}
	req := <-seen
	if req.auth != "Token secret" {
		t.Fatalf("Authorization = %q", req.auth)
	}
	if !strings.Contains(req.query, "language=it") || !strings.Contains(req.query, "model=nova-2") {
		t.Fatalf("query = %q", req.query)
	}
	if req.bytes != len(payload) {
		t.Fatalf("server received %d bytes, want %d", req.bytes, len(payload))
	}
}

func TestDeepgramTranscribeSurfacesErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","description":"bad audio"}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "answer.wav")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	dg, _ := NewDeepgram(DeepgramConfig{APIKey: "k", BaseURL: wsURL(srv)})
	_, err := dg.Transcribe(context.Background(), TranscribeRequest{AudioPath: path})
	var rtErr *reliability.RealtimeError
	if !errors.As(err, &rtErr) || rtErr.Message != "bad audio" {
		t.Fatalf("Transcribe() error = %v, want RealtimeError", err)
	}
}

func TestNewDeepgramRequiresKey(t *testing.T) {
	if _, err := NewDeepgram(DeepgramConfig{}); err == nil {
		t.Fatalf("NewDeepgram() error = nil, want error")
	}
}

func TestElevenLabsSynthesizeCollectsChunks(t *testing.T) {
	type seenRequest struct {
		key, path string
		frames    []string
	}
	seen := make(chan seenRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := seenRequest{key: r.Header.Get("xi-api-key"), path: r.URL.Path}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req.frames = append(req.frames, strings.TrimSpace(string(msg)))
		}
		seen <- req
		enc := base64.StdEncoding.EncodeToString
		_ = conn.WriteJSON(map[string]any{"audio": enc([]byte("abc"))})
		_ = conn.WriteJSON(map[string]any{"audio": enc([]byte("def")), "isFinal": false})
		_ = conn.WriteJSON(map[string]any{"isFinal": true})
	}))
	defer srv.Close()

	el, err := NewElevenLabs(ElevenLabsConfig{APIKey: "xi", WSBaseURL: wsURL(srv), VoiceID: "voice-1"})
	if err != nil {
		t.Fatalf("NewElevenLabs() error = %v", err)
	}
	got, err := el.Synthesize(context.Background(), SynthesizeRequest{Text: "Che giorno è oggi?"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(got.Data) != "abcdef" {
		t.Fatalf("Data = %q, want abcdef", got.Data)
	}
	if got.Ext != ".mp3" || got.Format != "mp3_44100_128" {
		t.Fatalf("Ext/Format = %q/%q", got.Ext, got.Format)
	}
	req := <-seen
	if req.key != "xi" || req.path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Fatalf("key/path = %q/%q", req.key, req.path)
	}
	if len(req.frames) != 3 || !strings.Contains(req.frames[1], "Che giorno è oggi?") || req.frames[2] != `{"text":""}` {
		t.Fatalf("frames = %q", req.frames)
	}
}

func TestElevenLabsSynthesizeSurfacesErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"error": "quota exceeded", "message_type": "quota_exceeded"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	el, _ := NewElevenLabs(ElevenLabsConfig{APIKey: "xi", WSBaseURL: wsURL(srv), VoiceID: "v"})
	_, err := el.Synthesize(context.Background(), SynthesizeRequest{Text: "ciao"})
	var rtErr *reliability.RealtimeError
	if !errors.As(err, &rtErr) || rtErr.MessageType != "quota_exceeded" {
		t.Fatalf("Synthesize() error = %v, want RealtimeError", err)
	}
}

func TestExtForFormat(t *testing.T) {
	tests := map[string]string{
		"wav_24000":     ".wav",
		"mp3_44100_128": ".mp3",
		"pcm_16000":     ".raw",
		"":              ".bin",
	}
	for in, want := range tests {
		if got := extForFormat(in); got != want {
			t.Fatalf("extForFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMockTranscribeCyclesScript(t *testing.T) {
	m := NewMock("uno", "due")
	ctx := context.Background()
	for _, want := range []string{"uno", "due", "uno"} {
		got, err := m.Transcribe(ctx, TranscribeRequest{AudioPath: "/x/a.wav", Language: "it"})
		if err != nil {
			t.Fatalf("Transcribe() error = %v", err)
		}
		if got.Text != want {
			t.Fatalf("Text = %q, want %q", got.Text, want)
		}
	}
	if len(m.Calls()) != 3 {
		t.Fatalf("Calls() = %d, want 3", len(m.Calls()))
	}
}

func TestMockSynthesizeReturnsWAV(t *testing.T) {
	got, err := NewMock().Synthesize(context.Background(), SynthesizeRequest{Text: "ciao"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if got.Ext != ".wav" || string(got.Data[:4]) != "RIFF" {
		t.Fatalf("unexpected audio %q %q", got.Ext, got.Data[:4])
	}
}
