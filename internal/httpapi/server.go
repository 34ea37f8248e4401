package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/cogscreen/internal/config"
	"github.com/ent0n29/cogscreen/internal/faults"
	"github.com/ent0n29/cogscreen/internal/interview"
	"github.com/ent0n29/cogscreen/internal/messages"
	"github.com/ent0n29/cogscreen/internal/observability"
	"github.com/ent0n29/cogscreen/internal/protocol"
	"github.com/ent0n29/cogscreen/internal/session"
)

const (
	maxUploadBytes = 64 << 20
	readyTimeout   = 3 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

type Server struct {
	cfg      config.Config
	engine   *interview.Engine
	hub      *messages.Hub
	metrics  *observability.Metrics
	logger   *slog.Logger
	files    http.Handler
	assets   http.Handler
	upgrader websocket.Upgrader
}

// New serves engine over HTTP. hub may be nil, in which case the websocket
// feed only sends the history snapshot.
func New(cfg config.Config, engine *interview.Engine, hub *messages.Hub, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		hub:     hub,
		metrics: metrics,
		logger:  logger,
		files:   http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.SessionsDir))),
		assets:  http.StripPrefix("/assets/", http.FileServer(http.Dir(cfg.AssetsDir))),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may follow a subject's transcript.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Handle("/files/*", s.files)
	r.Handle("/assets/*", s.assets)

	r.Get("/v1/protocols", s.handleListProtocols)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/answer_audio", s.handleAnswerAudio)
	r.Get("/v1/sessions/{id}/messages", s.handleListMessages)
	r.Get("/v1/sessions/{id}/messages/ws", s.handleMessagesWS)
	r.Get("/v1/sessions/{id}/turns", s.handleListTurns)
	r.Get("/v1/perf/turn-stages", s.handlePerfTurnStages)

	return otelhttp.NewHandler(r, "cogscreen.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"protocol": s.cfg.DefaultProtocol,
	})
}

// handleReady reports ready once the protocol catalog answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	protocols, err := s.engine.Protocols(ctx)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"protocols": len(protocols),
	})
}

func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	protocols, err := s.engine.Protocols(r.Context())
	if err != nil {
		s.respondFault(w, r, err)
		return
	}
	if protocols == nil {
		protocols = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"default":   s.cfg.DefaultProtocol,
		"protocols": protocols,
	})
}

type createSessionRequest struct {
	Protocol string `json:"protocol"`
	Lang     string `json:"lang"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("protocol")); v != "" {
		req.Protocol = v
	}
	if v := strings.TrimSpace(q.Get("lang")); v != "" {
		req.Lang = v
	}

	greeting, err := s.engine.Start(r.Context(), strings.TrimSpace(req.Protocol), strings.TrimSpace(req.Lang))
	if err != nil {
		s.respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, greeting)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type completedResponse struct {
	SessionID string `json:"session_id"`
	Completed bool   `json:"completed"`
	Message   string `json:"message"`
}

func (s *Server) handleAnswerAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, string(faults.CodeInvalidAudio), "multipart form with a file field is required: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, string(faults.CodeInvalidAudio), "missing file field")
		return
	}
	defer file.Close()

	req := interview.SubmitRequest{
		SessionID: id,
		Audio:     file,
		Filename:  header.Filename,
		Language:  strings.TrimSpace(r.URL.Query().Get("language")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("step")); raw != "" {
		step, err := strconv.Atoi(raw)
		if err != nil || step < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "step must be a non-negative integer")
			return
		}
		req.ExpectedStep = &step
	}

	res, err := s.engine.SubmitAnswer(r.Context(), req)
	if err != nil {
		s.respondFault(w, r, err)
		return
	}
	if res.NoOp() {
		respondJSON(w, http.StatusOK, completedResponse{
			SessionID: res.SessionID,
			Completed: res.Completed,
			Message:   res.Message,
		})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	list, err := s.engine.Messages(r.Context(), id)
	if err != nil {
		s.respondFault(w, r, err)
		return
	}
	if list == nil {
		list = []messages.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   list,
	})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := s.engine.Turns(r.Context(), id)
	if err != nil {
		s.respondFault(w, r, err)
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      turns,
	})
}

func (s *Server) handleMessagesWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading history so nothing appended in between is
	// lost; feed messages already covered by the history are skipped.
	var feed <-chan messages.Message
	unsubscribe := func() {}
	if s.hub != nil {
		feed, unsubscribe = s.hub.Subscribe(id)
	}
	defer unsubscribe()

	history, err := s.engine.Messages(r.Context(), id)
	if err != nil {
		s.respondFault(w, r, err)
		return
	}
	var lastID int64
	for _, m := range history {
		lastID = max(lastID, m.ID)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SubscriberDelta(1)
	defer s.metrics.SubscriberDelta(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(protocol.NewHistory(id, history)); err != nil {
		return
	}

	outbound := make(chan any, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case m, ok := <-feed:
				if !ok {
					cancel()
					return
				}
				if m.ID <= lastID {
					continue
				}
				msg = protocol.NewMessageAppended(m)
			case m := <-outbound:
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.controlReply(ctx, id, data)
		select {
		case outbound <- reply:
		default:
			// Writer is saturated; the client can resync.
		}
	}

	cancel()
	<-writerDone
}

// controlReply answers one client control frame.
func (s *Server) controlReply(ctx context.Context, sessionID string, data []byte) any {
	parsed, err := protocol.ParseClientMessage(data)
	msg, ok := parsed.(protocol.ClientControl)
	if err != nil || !ok {
		if err == nil {
			err = protocol.ErrUnsupportedType
		}
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "invalid_client_message",
			Retryable: false,
			Detail:    err.Error(),
		}
	}
	switch msg.Action {
	case protocol.ActionResync:
		history, err := s.engine.Messages(ctx, sessionID)
		if err != nil {
			return protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      string(faults.CodeOf(err)),
				Retryable: faults.KindOf(err) == faults.KindInfrastructure,
				Detail:    err.Error(),
			}
		}
		return protocol.NewHistory(sessionID, history)
	default:
		return protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sessionID,
			Code:      "pong",
			Detail:    strconv.FormatInt(msg.TSMs, 10),
		}
	}
}

func (s *Server) respondFault(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", faults.CodeOf(err),
			"kind", faults.KindOf(err),
			"error", err,
		)
	}
	respondError(w, status, string(faults.CodeOf(err)), err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
