package interview

import (
	"context"
	"log/slog"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/cogscreen/internal/artifacts"
	"github.com/ent0n29/cogscreen/internal/catalog"
	"github.com/ent0n29/cogscreen/internal/messages"
	"github.com/ent0n29/cogscreen/internal/observability"
	"github.com/ent0n29/cogscreen/internal/reliability"
	"github.com/ent0n29/cogscreen/internal/voice"
)

// promptAudio returns the URL of a step's spoken prompt: the pre-rendered
// asset when the catalog names one that exists, otherwise a clip synthesised
// into dir. It returns nil when neither is available.
func (e *Engine) promptAudio(ctx context.Context, logger *slog.Logger, sessionID string, step catalog.Step, dir, lang string) *string {
	if step.AudioRef != "" && e.assets != nil {
		if url, ok := e.assets.Resolve(step.AudioRef); ok {
			return &url
		}
		logger.Warn("pre-rendered prompt missing, synthesizing", "step_id", step.ID, "audio_ref", step.AudioRef)
	}
	return e.synthesize(ctx, logger, sessionID, step.Question, dir, lang)
}

// synthesize writes text as dir/system_reply.<ext>. Failures are logged and
// yield nil so the interview continues with text only.
func (e *Engine) synthesize(ctx context.Context, logger *slog.Logger, sessionID, text, dir, lang string) *string {
	if e.synthesizer == nil || text == "" {
		return nil
	}
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "voice.synthesize",
		attribute.String("voice.synthesizer", e.synthesizer.Name()),
	)
	clip, err := e.synthesizer.Synthesize(ctx, voice.SynthesizeRequest{Text: text, Language: lang, Voice: e.voice})
	observability.EndSpan(span, err)
	e.metrics.ObserveTurnStage("synthesize", time.Since(start))
	if err != nil {
		code := reliability.ErrorCode(err)
		e.metrics.CollaboratorError("synthesizer", code)
		logger.Warn("synthesis failed, replying without audio", "synthesizer", e.synthesizer.Name(), "code", code, "error", err)
		return nil
	}
	ext := clip.Ext
	if ext == "" {
		ext = ".bin"
	}
	a, err := e.artifacts.WriteFile(sessionID, path.Join(dir, artifacts.ReplyStem+ext), clip.Data)
	if err != nil {
		logger.Warn("store synthesized reply failed", "error", err)
		return nil
	}
	return messages.URL(a.URL)
}
