// Package interview runs the spoken screening interview: it creates sessions,
// advances them one answered step at a time and keeps the session record,
// turn log and message log consistent with each other.
package interview

import (
	"context"
	"log/slog"
	"time"

	"github.com/ent0n29/cogscreen/internal/artifacts"
	"github.com/ent0n29/cogscreen/internal/catalog"
	"github.com/ent0n29/cogscreen/internal/faults"
	"github.com/ent0n29/cogscreen/internal/messages"
	"github.com/ent0n29/cogscreen/internal/observability"
	"github.com/ent0n29/cogscreen/internal/scoring"
	"github.com/ent0n29/cogscreen/internal/session"
	"github.com/ent0n29/cogscreen/internal/voice"
)

const DefaultClosingText = "Grazie. Il test è terminato."

// Scorer annotates an answer. Implementations never fail.
type Scorer interface {
	Score(ctx context.Context, stepID, question, transcript string) scoring.Result
}

// Deps are the collaborators an Engine is built from. Catalog, Sessions,
// Messages, Artifacts and Transcriber are required.
type Deps struct {
	Catalog     *catalog.Catalog
	Sessions    session.Store
	Messages    messages.Log
	Artifacts   *artifacts.Store
	Assets      *artifacts.Assets
	Transcriber voice.Transcriber
	Synthesizer voice.Synthesizer
	Scorer      Scorer
	Locks       session.Locker
	Logger      *slog.Logger
	Metrics     *observability.Metrics

	DefaultProtocol string
	ClosingText     string
	// Voice is passed to the synthesizer; empty uses its default.
	Voice string
	// TurnTimeout bounds collaborator calls when the caller sets no deadline.
	TurnTimeout time.Duration
	Now         func() time.Time
}

// Engine is safe for concurrent use. Turns for one session are serialised;
// turns for different sessions run in parallel.
type Engine struct {
	catalog     *catalog.Catalog
	sessions    session.Store
	messages    messages.Log
	artifacts   *artifacts.Store
	assets      *artifacts.Assets
	transcriber voice.Transcriber
	synthesizer voice.Synthesizer
	scorer      Scorer
	locks       session.Locker
	logger      *slog.Logger
	metrics     *observability.Metrics

	defaultProtocol string
	closingText     string
	voice           string
	turnTimeout     time.Duration
	now             func() time.Time
}

func New(d Deps) *Engine {
	e := &Engine{
		catalog:         d.Catalog,
		sessions:        d.Sessions,
		messages:        d.Messages,
		artifacts:       d.Artifacts,
		assets:          d.Assets,
		transcriber:     d.Transcriber,
		synthesizer:     d.Synthesizer,
		scorer:          d.Scorer,
		locks:           d.Locks,
		logger:          d.Logger,
		metrics:         d.Metrics,
		defaultProtocol: d.DefaultProtocol,
		closingText:     d.ClosingText,
		voice:           d.Voice,
		turnTimeout:     d.TurnTimeout,
		now:             d.Now,
	}
	if e.locks == nil {
		e.locks = session.NewLocks(0)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.scorer == nil {
		e.scorer = scoring.NewAdapter(nil, scoring.Options{Rubrics: map[string]scoring.Rubric{}})
	}
	if e.defaultProtocol == "" {
		e.defaultProtocol = "mmse_v1"
	}
	if e.closingText == "" {
		e.closingText = DefaultClosingText
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Greeting is returned when a session starts.
type Greeting struct {
	SessionID        string  `json:"session_id"`
	Protocol         string  `json:"protocol"`
	Lang             string  `json:"lang"`
	Question         string  `json:"question"`
	QuestionAudioURL *string `json:"question_audio_url"`
}

// Start creates a session at its first step and records the opening prompt.
func (e *Engine) Start(ctx context.Context, protocol, lang string) (Greeting, error) {
	if protocol == "" {
		protocol = e.defaultProtocol
	}
	lang = catalog.NormalizeLang(lang, e.catalog.DefaultLang())

	first, err := e.catalog.StepAt(ctx, protocol, lang, 0)
	if err != nil {
		return Greeting{}, err
	}

	// Nothing below is undone if the caller leaves.
	deadline, hasDeadline := ctx.Deadline()
	ctx = context.WithoutCancel(ctx)
	id, err := e.sessions.Create(ctx, protocol, lang)
	if err != nil {
		return Greeting{}, faults.Infrastructure(faults.CodePersistenceFailed, "create session", err)
	}
	logger := e.logger.With("session_id", id, "protocol", protocol, "lang", lang)
	if err := e.messages.RegisterSession(ctx, id, protocol); err != nil {
		return Greeting{}, faults.Infrastructure(faults.CodePersistenceFailed, "register session", err)
	}

	callCtx, cancel := e.collaboratorContext(ctx, deadline, hasDeadline)
	defer cancel()
	audioURL := e.promptAudio(callCtx, logger, id, first, artifacts.StartOutDir(), lang)

	if _, err := e.messages.Append(ctx, messages.Message{
		SessionID: id,
		Role:      messages.RoleAssistant,
		Text:      first.Question,
		AudioURL:  audioURL,
	}); err != nil {
		return Greeting{}, faults.Infrastructure(faults.CodePersistenceFailed, "append greeting", err)
	}

	e.metrics.SessionStarted(protocol)
	logger.Info("session started", "first_step", first.ID, "prerendered", first.AudioRef != "" && audioURL != nil)
	return Greeting{
		SessionID:        id,
		Protocol:         protocol,
		Lang:             lang,
		Question:         first.Question,
		QuestionAudioURL: audioURL,
	}, nil
}

// Session returns the stored record for id.
func (e *Engine) Session(ctx context.Context, id string) (session.Session, error) {
	if err := e.mustExist(ctx, id); err != nil {
		return session.Session{}, err
	}
	sess, err := e.sessions.Load(ctx, id)
	if err != nil {
		return session.Session{}, faults.Infrastructure(faults.CodePersistenceFailed, "load session", err)
	}
	return sess, nil
}

// Messages lists a session's messages in insertion order.
func (e *Engine) Messages(ctx context.Context, id string) ([]messages.Message, error) {
	if err := e.mustExist(ctx, id); err != nil {
		return nil, err
	}
	list, err := e.messages.List(ctx, id)
	if err != nil {
		return nil, faults.Infrastructure(faults.CodePersistenceFailed, "list messages", err)
	}
	return list, nil
}

// Turns returns a session's turn log in step order.
func (e *Engine) Turns(ctx context.Context, id string) ([]session.Turn, error) {
	if err := e.mustExist(ctx, id); err != nil {
		return nil, err
	}
	turns, err := e.sessions.Turns(ctx, id)
	if err != nil {
		return nil, faults.Infrastructure(faults.CodePersistenceFailed, "read turn log", err)
	}
	return turns, nil
}

// Protocols lists every protocol the catalog knows.
func (e *Engine) Protocols(ctx context.Context) ([]string, error) {
	return e.catalog.Protocols(ctx)
}

func (e *Engine) mustExist(ctx context.Context, id string) error {
	if !session.ValidID(id) {
		return faults.ErrSessionNotFound
	}
	ok, err := e.sessions.Exists(ctx, id)
	if err != nil {
		return faults.Infrastructure(faults.CodePersistenceFailed, "check session", err)
	}
	if !ok {
		return faults.ErrSessionNotFound
	}
	return nil
}

// collaboratorContext bounds calls to transcription, scoring and synthesis by
// the caller's deadline, or TurnTimeout when the caller has none.
func (e *Engine) collaboratorContext(ctx context.Context, deadline time.Time, hasDeadline bool) (context.Context, context.CancelFunc) {
	if hasDeadline {
		return context.WithDeadline(ctx, deadline)
	}
	if e.turnTimeout > 0 {
		return context.WithTimeout(ctx, e.turnTimeout)
	}
	return context.WithCancel(ctx)
}
