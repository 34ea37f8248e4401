package interview

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/cogscreen/internal/artifacts"
	"github.com/ent0n29/cogscreen/internal/catalog"
	"github.com/ent0n29/cogscreen/internal/faults"
	"github.com/ent0n29/cogscreen/internal/messages"
	"github.com/ent0n29/cogscreen/internal/observability"
	"github.com/ent0n29/cogscreen/internal/policy"
	"github.com/ent0n29/cogscreen/internal/reliability"
	"github.com/ent0n29/cogscreen/internal/scoring"
	"github.com/ent0n29/cogscreen/internal/session"
	"github.com/ent0n29/cogscreen/internal/voice"
)

const (
	msgAlreadyCompleted = "Session already completed."
	msgNoMoreSteps      = "No more steps."
	previewChars        = 80
)

// SubmitRequest is one recorded answer.
type SubmitRequest struct {
	SessionID string
	Audio     io.Reader
	Filename  string
	// Language is the spoken language hint; empty uses the session's.
	Language string
	// ExpectedStep is the step index the client is answering. When nil, the
	// step pending as the request arrives is assumed, so a retry that waited
	// behind the original never lands on the following step. A mismatch fails
	// with step_already_answered and changes nothing.
	ExpectedStep *int
}

// TurnResult reports a processed answer. Message is set, and the turn fields
// are empty, when the session was already complete.
type TurnResult struct {
	SessionID     string          `json:"session_id"`
	Protocol      string          `json:"protocol,omitempty"`
	StepIndex     int             `json:"step_index"`
	StepAnswered  string          `json:"step_answered,omitempty"`
	Transcript    string          `json:"transcript"`
	Completed     bool            `json:"completed"`
	NextQuestion  *string         `json:"next_question"`
	SystemText    string          `json:"system_text"`
	ReplyAudioURL *string         `json:"reply_audio_url"`
	Score         *scoring.Result `json:"score,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// NoOp reports whether the submission changed nothing.
func (r TurnResult) NoOp() bool { return r.Message != "" }

// SubmitAnswer runs one turn against the session's pending step. Once the
// session lock is held the turn runs to completion even if ctx is canceled;
// a deadline on ctx still bounds the collaborator calls.
func (e *Engine) SubmitAnswer(ctx context.Context, req SubmitRequest) (res TurnResult, err error) {
	id := req.SessionID
	if !session.ValidID(id) {
		return TurnResult{}, faults.ErrSessionNotFound
	}
	started := time.Now()
	done := e.metrics.TurnStarted()
	defer done()
	defer func() { e.metrics.TurnProcessed(turnOutcome(res, err)) }()

	expected := req.ExpectedStep
	if expected == nil {
		if expected, err = e.pendingStep(ctx, id); err != nil {
			return TurnResult{}, err
		}
	}

	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return TurnResult{}, fmt.Errorf("wait for session lock: %w", err)
	}
	defer unlock()

	deadline, hasDeadline := ctx.Deadline()
	ctx = context.WithoutCancel(ctx)
	ctx, span := observability.StartSpan(ctx, "interview.turn", attribute.String("session.id", id))
	defer func() { observability.EndSpan(span, err) }()

	if err := e.mustExist(ctx, id); err != nil {
		return TurnResult{}, err
	}
	sess, err := e.sessions.Load(ctx, id)
	if err != nil {
		return TurnResult{}, faults.Infrastructure(faults.CodePersistenceFailed, "load session", err)
	}
	if sess.Completed {
		return TurnResult{SessionID: id, Protocol: sess.Protocol, Completed: true, Message: msgAlreadyCompleted}, nil
	}

	lang := sess.Lang
	if lang == "" {
		lang = catalog.NormalizeLang(req.Language, e.catalog.DefaultLang())
	}
	count, err := e.catalog.StepCount(ctx, sess.Protocol, lang)
	if err != nil {
		return TurnResult{}, err
	}
	index := sess.CurrentStep
	if expected != nil && *expected != index {
		return TurnResult{}, faults.New(faults.KindClient, faults.CodeStepAlreadyAnswered,
			fmt.Sprintf("step %d is not pending (pending step is %d)", *expected, index), nil)
	}
	if index >= count {
		sess.Completed = true
		if err := e.sessions.Save(ctx, sess); err != nil {
			return TurnResult{}, faults.Infrastructure(faults.CodePersistenceFailed, "save session", err)
		}
		return TurnResult{SessionID: id, Protocol: sess.Protocol, Completed: true, Message: msgNoMoreSteps}, nil
	}
	step, err := e.catalog.StepAt(ctx, sess.Protocol, lang, index)
	if err != nil {
		return TurnResult{}, err
	}
	span.SetAttributes(attribute.Int("step.index", index), attribute.String("step.id", step.ID))
	logger := e.logger.With("session_id", id, "step_index", index, "step_id", step.ID)

	callCtx, cancel := e.collaboratorContext(ctx, deadline, hasDeadline)
	defer cancel()

	t := &turn{
		e:      e,
		ctx:    ctx,
		call:   callCtx,
		logger: logger,
		sess:   sess,
		lang:   lang,
		step:   step,
		count:  count,
		outDir: artifacts.StepOutDir(index, step.ID),
	}
	res, err = t.run(req)
	e.metrics.ObserveTurnStage("turn_total", time.Since(started))
	return res, err
}

// turn carries the state of one submission through its stages.
type turn struct {
	e      *Engine
	ctx    context.Context // persistence; never canceled
	call   context.Context // collaborator calls; may carry a deadline
	logger *slog.Logger
	sess   session.Session
	lang   string
	step   catalog.Step
	count  int
	outDir string
}

func (t *turn) run(req SubmitRequest) (TurnResult, error) {
	e, id, index := t.e, t.sess.ID, t.sess.CurrentStep

	raw, err := t.capture(req)
	if err != nil {
		return TurnResult{}, err
	}

	tr, err := t.transcribe(raw, req.Language)
	if err != nil {
		return TurnResult{}, err
	}

	stageStart := time.Now()
	score := e.scorer.Score(t.call, t.step.ID, t.step.Question, tr.Text)
	e.metrics.ObserveTurnStage("score", time.Since(stageStart))

	stageStart = time.Now()
	arts, err := t.writeOutputs(raw, tr, score)
	if err != nil {
		return TurnResult{}, err
	}
	record := session.Turn{
		CreatedAt:  e.now().UTC(),
		StepIndex:  index,
		StepID:     t.step.ID,
		Question:   t.step.Question,
		Transcript: tr.Text,
		Features:   session.ComputeFeatures(tr.Text),
		Artifacts:  arts,
		Score:      &score,
	}
	if err := e.sessions.AppendTurn(t.ctx, id, record); err != nil {
		return TurnResult{}, faults.Infrastructure(faults.CodePersistenceFailed, "append turn", err)
	}

	next := t.sess
	next.CurrentStep = index + 1
	next.Completed = next.CurrentStep >= t.count
	if err := e.sessions.Save(t.ctx, next); err != nil {
		return TurnResult{}, faults.Infrastructure(faults.CodePersistenceFailed, "save session", err)
	}
	e.metrics.ObserveTurnStage("persist", time.Since(stageStart))

	res := TurnResult{
		SessionID:    id,
		Protocol:     t.sess.Protocol,
		StepIndex:    index,
		StepAnswered: t.step.ID,
		Transcript:   tr.Text,
		Completed:    next.Completed,
		Score:        &score,
	}
	if next.Completed {
		res.SystemText = e.closingText
		res.ReplyAudioURL = e.synthesize(t.call, t.logger, id, e.closingText, t.outDir, t.lang)
	} else {
		upcoming, err := e.catalog.StepAt(t.ctx, t.sess.Protocol, t.lang, next.CurrentStep)
		if err != nil {
			return TurnResult{}, err
		}
		question := upcoming.Question
		res.NextQuestion = &question
		res.SystemText = question
		res.ReplyAudioURL = e.promptAudio(t.call, t.logger, id, upcoming, t.outDir, t.lang)
	}

	if _, err := e.messages.Append(t.ctx, messages.Message{
		SessionID: id,
		Role:      messages.RoleUser,
		Text:      tr.Text,
		AudioURL:  messages.URL(raw.URL),
	}); err != nil {
		return TurnResult{}, faults.Infrastructure(faults.CodePersistenceFailed, "append answer message", err)
	}
	if _, err := e.messages.Append(t.ctx, messages.Message{
		SessionID: id,
		Role:      messages.RoleAssistant,
		Text:      res.SystemText,
		AudioURL:  res.ReplyAudioURL,
	}); err != nil {
		return TurnResult{}, faults.Infrastructure(faults.CodePersistenceFailed, "append reply message", err)
	}

	t.logger.Info("turn processed",
		"transcript_preview", policy.Preview(tr.Text, previewChars),
		"words", record.Features.WordCount,
		"score", scoreLabel(score),
		"completed", next.Completed,
	)
	return res, nil
}

// pendingStep reads the step a request answers before it queues on the
// session lock. A completed session pins nothing.
func (e *Engine) pendingStep(ctx context.Context, id string) (*int, error) {
	sess, err := e.sessions.Load(ctx, id)
	if err != nil {
		return nil, faults.Infrastructure(faults.CodePersistenceFailed, "load session", err)
	}
	if sess.Completed {
		return nil, nil
	}
	step := sess.CurrentStep
	return &step, nil
}

// capture stores the uploaded answer durably before anything reads it.
func (t *turn) capture(req SubmitRequest) (artifacts.Artifact, error) {
	if req.Audio == nil {
		return artifacts.Artifact{}, faults.Client(faults.CodeInvalidAudio, "no audio submitted")
	}
	start := time.Now()
	raw, n, err := t.e.artifacts.SaveRaw(t.sess.ID, t.sess.CurrentStep, t.step.ID, req.Filename, req.Audio)
	t.e.metrics.ObserveTurnStage("store_raw_audio", time.Since(start))
	if err != nil {
		_ = t.e.artifacts.Remove(raw)
		return artifacts.Artifact{}, faults.Infrastructure(faults.CodePersistenceFailed, "store answer audio", err)
	}
	if n == 0 {
		_ = t.e.artifacts.Remove(raw)
		return artifacts.Artifact{}, faults.Client(faults.CodeInvalidAudio, "empty audio upload")
	}
	return raw, nil
}

func (t *turn) transcribe(raw artifacts.Artifact, requested string) (voice.Transcript, error) {
	e := t.e
	lang := catalog.NormalizeLang(requested, t.lang)
	converted := e.artifacts.ConvertedPath(t.sess.ID, t.sess.CurrentStep, t.step.ID)

	start := time.Now()
	ctx, span := observability.StartSpan(t.call, "voice.transcribe",
		attribute.String("voice.transcriber", e.transcriber.Name()),
		attribute.String("voice.language", lang),
	)
	tr, err := e.transcriber.Transcribe(ctx, voice.TranscribeRequest{
		AudioPath:     raw.Path,
		ConvertedPath: converted.Path,
		Language:      lang,
	})
	observability.EndSpan(span, err)
	e.metrics.ObserveTurnStage("transcribe", time.Since(start))
	if err != nil {
		code := reliability.ErrorCode(err)
		e.metrics.CollaboratorError("transcriber", code)
		t.logger.Error("transcription failed", "transcriber", e.transcriber.Name(), "code", code, "error", err)
		return voice.Transcript{}, faults.Infrastructure(faults.CodeTranscriptionFailed, "transcription failed", err)
	}
	return tr, nil
}

// writeOutputs stores the per-step transcript, segments, metadata and score.
func (t *turn) writeOutputs(raw artifacts.Artifact, tr voice.Transcript, score scoring.Result) (session.TurnArtifacts, error) {
	store, id := t.e.artifacts, t.sess.ID
	segments := tr.Segments
	if segments == nil {
		segments = []voice.Segment{}
	}
	meta := map[string]any{
		"step_index":  t.sess.CurrentStep,
		"step_id":     t.step.ID,
		"question":    t.step.Question,
		"language":    t.lang,
		"transcriber": t.e.transcriber.Name(),
		"raw_audio":   raw.RelPath,
	}
	for k, v := range tr.Meta {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}

	transcript, err := store.WriteFile(id, path.Join(t.outDir, artifacts.TranscriptFile), []byte(tr.Text))
	if err != nil {
		return session.TurnArtifacts{}, faults.Infrastructure(faults.CodePersistenceFailed, "write transcript", err)
	}
	segs, err := store.WriteJSON(id, path.Join(t.outDir, artifacts.SegmentsFile), segments)
	if err != nil {
		return session.TurnArtifacts{}, faults.Infrastructure(faults.CodePersistenceFailed, "write segments", err)
	}
	metaArt, err := store.WriteJSON(id, path.Join(t.outDir, artifacts.MetaFile), meta)
	if err != nil {
		return session.TurnArtifacts{}, faults.Infrastructure(faults.CodePersistenceFailed, "write meta", err)
	}
	scoreArt, err := store.WriteJSON(id, path.Join(t.outDir, artifacts.ScoreFile), score)
	if err != nil {
		return session.TurnArtifacts{}, faults.Infrastructure(faults.CodePersistenceFailed, "write score", err)
	}
	return session.TurnArtifacts{
		AudioPath:      raw.RelPath,
		TranscriptPath: transcript.RelPath,
		SegmentsPath:   segs.RelPath,
		MetaPath:       metaArt.RelPath,
		ScorePath:      scoreArt.RelPath,
	}, nil
}

func scoreLabel(r scoring.Result) string {
	if r.Score == nil || r.MaxScore == nil {
		return r.Reason
	}
	return fmt.Sprintf("%d/%d", *r.Score, *r.MaxScore)
}

func turnOutcome(res TurnResult, err error) string {
	switch {
	case err != nil:
		return string(faults.CodeOf(err))
	case res.NoOp():
		return "noop"
	case res.Completed:
		return "completed"
	default:
		return "advanced"
	}
}
