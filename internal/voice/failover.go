package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverPair builds a transcriber and synthesizer that prefer the primary
// backends and switch to the fallbacks when a primary call fails. Once a
// fallback succeeds it stays active until it fails; then the primary is
// retried. The pair shares one switch so both directions move together.
func NewFailoverPair(
	primaryTranscriber Transcriber,
	primarySynthesizer Synthesizer,
	fallbackTranscriber Transcriber,
	fallbackSynthesizer Synthesizer,
) (Transcriber, Synthesizer) {
	state := &failoverState{}
	return &failoverTranscriber{
			state:    state,
			primary:  primaryTranscriber,
			fallback: fallbackTranscriber,
		}, &failoverSynthesizer{
			state:    state,
			primary:  primarySynthesizer,
			fallback: fallbackSynthesizer,
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()      { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback()    { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

// try runs the active backend first and the other on failure.
func try[T any](ctx context.Context, state *failoverState, kind string, primary, fallback func(context.Context) (T, error)) (T, error) {
	if state.isFallbackActive() {
		out, fbErr := fallback(ctx)
		if fbErr == nil {
			return out, nil
		}
		out, prErr := primary(ctx)
		if prErr == nil {
			state.deactivateFallback()
			return out, nil
		}
		return out, fmt.Errorf("%s fallback failed: %v; %s primary failed: %w", kind, fbErr, kind, prErr)
	}

	out, prErr := primary(ctx)
	if prErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, prErr
	}
	out, fbErr := fallback(ctx)
	if fbErr != nil {
		return out, fmt.Errorf("%s primary failed: %v; %s fallback failed: %w", kind, prErr, kind, fbErr)
	}
	state.activateFallback()
	return out, nil
}

type failoverTranscriber struct {
	state    *failoverState
	primary  Transcriber
	fallback Transcriber
}

func (p *failoverTranscriber) Name() string {
	return p.primary.Name() + "+" + p.fallback.Name()
}

func (p *failoverTranscriber) Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error) {
	return try(ctx, p.state, "stt",
		func(ctx context.Context) (Transcript, error) { return p.primary.Transcribe(ctx, req) },
		func(ctx context.Context) (Transcript, error) { return p.fallback.Transcribe(ctx, req) },
	)
}

type failoverSynthesizer struct {
	state    *failoverState
	primary  Synthesizer
	fallback Synthesizer
}

func (p *failoverSynthesizer) Name() string {
	return p.primary.Name() + "+" + p.fallback.Name()
}

func (p *failoverSynthesizer) Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error) {
	return try(ctx, p.state, "tts",
		func(ctx context.Context) (Audio, error) { return p.primary.Synthesize(ctx, req) },
		func(ctx context.Context) (Audio, error) {
			// Voice ids are provider specific.
			fb := req
			fb.Voice = ""
			return p.fallback.Synthesize(ctx, fb)
		},
	)
}
