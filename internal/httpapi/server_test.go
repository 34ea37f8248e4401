package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/cogscreen/internal/artifacts"
	"github.com/ent0n29/cogscreen/internal/catalog"
	"github.com/ent0n29/cogscreen/internal/config"
	"github.com/ent0n29/cogscreen/internal/interview"
	"github.com/ent0n29/cogscreen/internal/messages"
	"github.com/ent0n29/cogscreen/internal/observability"
	"github.com/ent0n29/cogscreen/internal/protocol"
	"github.com/ent0n29/cogscreen/internal/scoring"
	"github.com/ent0n29/cogscreen/internal/session"
	"github.com/ent0n29/cogscreen/internal/voice"
)

const testProtocol = "pair_v1"

func newTestServer(t *testing.T, metrics *observability.Metrics) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		SessionsDir:     filepath.Join(root, "sessions"),
		AssetsDir:       filepath.Join(root, "assets"),
		DefaultProtocol: testProtocol,
	}
	store, err := session.NewFSStore(cfg.SessionsDir)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	src := catalog.NewStaticSource()
	src.Add(testProtocol, "it", []catalog.Step{
		{ID: "t_step00", Question: "Che giorno è oggi?"},
		{ID: "t_step01", Question: "Ripeta: casa, pane, gatto."},
	})
	hub := messages.NewHub()
	engine := interview.New(interview.Deps{
		Catalog:     catalog.New("it", src),
		Sessions:    store,
		Messages:    messages.Publishing(messages.NewInMemoryLog(), hub),
		Artifacts:   artifacts.New(cfg.SessionsDir),
		Assets:      artifacts.NewAssets(cfg.AssetsDir),
		Transcriber: voice.NewMock("oggi è lunedì", "casa pane gatto"),
		Synthesizer: voice.NewMock(),
		Scorer: scoring.NewAdapter(&scoring.Mock{Raw: `{"score": 1, "reason": "ok"}`}, scoring.Options{
			Rubrics: map[string]scoring.Rubric{"0": {MaxScore: 3, Text: "giorno"}},
		}),
		Metrics:         metrics,
		DefaultProtocol: testProtocol,
	})
	ts := httptest.NewServer(New(cfg, engine, hub, metrics, nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func startSession(t *testing.T, ts *httptest.Server) interview.Greeting {
	t.Helper()
	res, err := http.Post(ts.URL+"/v1/sessions?lang=it", "application/json", strings.NewReader(`{"protocol":"pair_v1"}`))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var g interview.Greeting
	if err := json.NewDecoder(res.Body).Decode(&g); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	return g
}

func postAnswer(t *testing.T, ts *httptest.Server, sessionID, query string, audio []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "answer.webm")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = fw.Write(audio)
	_ = mw.Close()

	url := fmt.Sprintf("%s/v1/sessions/%s/answer_audio%s", ts.URL, sessionID, query)
	res, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("answer request error = %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestInterviewOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	g := startSession(t, ts)
	if g.SessionID == "" || g.Question != "Che giorno è oggi?" {
		t.Fatalf("greeting = %+v", g)
	}
	if g.QuestionAudioURL == nil || !strings.HasPrefix(*g.QuestionAudioURL, "/files/"+g.SessionID+"/") {
		t.Fatalf("question_audio_url = %v, want a /files/ url", g.QuestionAudioURL)
	}
	audioRes, err := http.Get(ts.URL + *g.QuestionAudioURL)
	if err != nil {
		t.Fatalf("GET prompt audio error = %v", err)
	}
	audioRes.Body.Close()
	if audioRes.StatusCode != http.StatusOK {
		t.Fatalf("prompt audio status = %d, want 200", audioRes.StatusCode)
	}

	res := postAnswer(t, ts, g.SessionID, "?step=0&language=it", []byte("RIFF-first"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first answer status = %d, want 200", res.StatusCode)
	}
	first := decodeBody[interview.TurnResult](t, res)
	if first.StepAnswered != "t_step00" || first.StepIndex != 0 || first.Completed {
		t.Fatalf("first turn = %+v", first)
	}
	if first.Transcript != "oggi è lunedì" {
		t.Fatalf("transcript = %q", first.Transcript)
	}
	if first.Score == nil || first.Score.Score == nil || *first.Score.Score != 1 {
		t.Fatalf("score = %+v, want 1", first.Score)
	}

	res = postAnswer(t, ts, g.SessionID, "?step=1", []byte("RIFF-second"))
	second := decodeBody[interview.TurnResult](t, res)
	if !second.Completed || second.NextQuestion != nil {
		t.Fatalf("second turn = %+v, want completed", second)
	}
	if second.SystemText != interview.DefaultClosingText {
		t.Fatalf("system_text = %q", second.SystemText)
	}

	res = postAnswer(t, ts, g.SessionID, "", []byte("RIFF-third"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completed answer status = %d, want 200", res.StatusCode)
	}
	done := decodeBody[map[string]any](t, res)
	if done["completed"] != true || done["message"] != "Session already completed." {
		t.Fatalf("no-op response = %+v", done)
	}
	if _, ok := done["transcript"]; ok {
		t.Fatalf("no-op response carries turn fields: %+v", done)
	}

	msgRes, err := http.Get(ts.URL + "/v1/sessions/" + g.SessionID + "/messages")
	if err != nil {
		t.Fatalf("GET messages error = %v", err)
	}
	defer msgRes.Body.Close()
	listed := decodeBody[struct {
		SessionID string             `json:"session_id"`
		Messages  []messages.Message `json:"messages"`
	}](t, msgRes)
	roles := make([]string, 0, len(listed.Messages))
	for _, m := range listed.Messages {
		roles = append(roles, string(m.Role))
	}
	if got := strings.Join(roles, ","); got != "assistant,user,assistant,user,assistant" {
		t.Fatalf("message roles = %s", got)
	}

	turnsRes, err := http.Get(ts.URL + "/v1/sessions/" + g.SessionID + "/turns")
	if err != nil {
		t.Fatalf("GET turns error = %v", err)
	}
	defer turnsRes.Body.Close()
	turns := decodeBody[struct {
		Turns []session.Turn `json:"turns"`
	}](t, turnsRes)
	if len(turns.Turns) != 2 || turns.Turns[1].StepID != "t_step01" {
		t.Fatalf("turns = %+v", turns.Turns)
	}
}

func TestAnswerErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	g := startSession(t, ts)

	tests := []struct {
		name       string
		sessionID  string
		query      string
		audio      []byte
		wantStatus int
		wantCode   string
	}{
		{"stale step", g.SessionID, "?step=1", []byte("RIFF"), http.StatusConflict, "step_already_answered"},
		{"bad step", g.SessionID, "?step=x", []byte("RIFF"), http.StatusBadRequest, "invalid_request"},
		{"empty upload", g.SessionID, "", nil, http.StatusBadRequest, "invalid_audio"},
		{"unknown session", session.NewID(), "", []byte("RIFF"), http.StatusNotFound, "session_not_found"},
		{"malformed id", "abc", "", []byte("RIFF"), http.StatusNotFound, "session_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postAnswer(t, ts, tt.sessionID, tt.query, tt.audio)
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			body := decodeBody[errorResponse](t, res)
			if body.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestAnswerRequiresFileField(t *testing.T) {
	ts := newTestServer(t, nil)
	g := startSession(t, ts)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("note", "no audio")
	_ = mw.Close()
	res, err := http.Post(ts.URL+"/v1/sessions/"+g.SessionID+"/answer_audio", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("answer request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestCreateSessionUnknownProtocol(t *testing.T) {
	ts := newTestServer(t, nil)
	res, err := http.Post(ts.URL+"/v1/sessions?protocol=nope", "application/json", nil)
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.StatusCode)
	}
	body := decodeBody[errorResponse](t, res)
	if body.Code != "unknown_protocol" {
		t.Fatalf("code = %q, want unknown_protocol", body.Code)
	}
}

func TestProtocolsAndProbes(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, res.StatusCode)
		}
	}

	res, err := http.Get(ts.URL + "/v1/protocols")
	if err != nil {
		t.Fatalf("GET protocols error = %v", err)
	}
	defer res.Body.Close()
	body := decodeBody[struct {
		Default   string   `json:"default"`
		Protocols []string `json:"protocols"`
	}](t, res)
	if body.Default != testProtocol || len(body.Protocols) != 1 || body.Protocols[0] != testProtocol {
		t.Fatalf("protocols = %+v", body)
	}
}

func TestPerfTurnStages(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_perf_%d", time.Now().UnixNano()))
	ts := newTestServer(t, metrics)
	g := startSession(t, ts)
	postAnswer(t, ts, g.SessionID, "", []byte("RIFF"))

	res, err := http.Get(ts.URL + "/v1/perf/turn-stages")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	defer res.Body.Close()
	snap := decodeBody[observability.TurnStageSnapshot](t, res)
	found := false
	for _, st := range snap.Stages {
		if st.Stage == "turn_total" && st.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("stages = %+v, want one turn_total sample", snap.Stages)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readFrame[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var v T
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return v
}

func TestMessagesWebsocketFeed(t *testing.T) {
	ts := newTestServer(t, nil)
	g := startSession(t, ts)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/sessions/"+g.SessionID+"/messages/ws"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	history := readFrame[protocol.History](t, conn)
	if history.Type != protocol.TypeHistory || len(history.Messages) != 1 {
		t.Fatalf("history = %+v, want the greeting only", history)
	}

	postAnswer(t, ts, g.SessionID, "?step=0", []byte("RIFF"))

	user := readFrame[protocol.MessageAppended](t, conn)
	if user.Type != protocol.TypeMessageAppended || user.Message.Role != messages.RoleUser {
		t.Fatalf("first appended = %+v, want user message", user)
	}
	if user.Message.Text != "oggi è lunedì" {
		t.Fatalf("user text = %q", user.Message.Text)
	}
	assistant := readFrame[protocol.MessageAppended](t, conn)
	if assistant.Message.Role != messages.RoleAssistant || assistant.Message.ID <= user.Message.ID {
		t.Fatalf("second appended = %+v, want later assistant message", assistant)
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionPing, TSMs: 42}); err != nil {
		t.Fatalf("WriteJSON(ping) error = %v", err)
	}
	pong := readFrame[protocol.SystemEvent](t, conn)
	if pong.Code != "pong" || pong.Detail != "42" {
		t.Fatalf("pong = %+v", pong)
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionResync}); err != nil {
		t.Fatalf("WriteJSON(resync) error = %v", err)
	}
	resync := readFrame[protocol.History](t, conn)
	if len(resync.Messages) != 3 {
		t.Fatalf("resync messages = %d, want 3", len(resync.Messages))
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	bad := readFrame[protocol.ErrorEvent](t, conn)
	if bad.Type != protocol.TypeErrorEvent || bad.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v", bad)
	}
}

func TestMessagesWebsocketRejectsCrossOrigin(t *testing.T) {
	ts := newTestServer(t, nil)
	g := startSession(t, ts)

	header := http.Header{"Origin": []string{"https://elsewhere.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/sessions/"+g.SessionID+"/messages/ws"), header)
	if err == nil {
		t.Fatalf("Dial() error = nil, want handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
}

func TestMessagesUnknownSession(t *testing.T) {
	ts := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/v1/sessions/" + session.NewID() + "/messages")
	if err != nil {
		t.Fatalf("GET messages error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}
