package voice

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/cogscreen/internal/audio"
)

// Mock is an offline transcriber and synthesizer. Transcripts come from
// Script in order, cycling, or fall back to a fixed answer; Err, when set,
// fails every call. Safe for concurrent use.
type Mock struct {
	Script []string
	Err    error
	// SynthErr fails synthesis only.
	SynthErr error
	// OnTranscribe, when set, runs inside every Transcribe call.
	OnTranscribe func()

	mu    sync.Mutex
	next  int
	calls []TranscribeRequest
}

func NewMock(script ...string) *Mock { return &Mock{Script: script} }

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.OnTranscribe != nil {
		m.OnTranscribe()
	}
	if m.Err != nil {
		return Transcript{}, m.Err
	}
	text := "risposta simulata"
	if len(m.Script) > 0 {
		text = m.Script[m.next%len(m.Script)]
		m.next++
	}
	text = strings.TrimSpace(text)
	return Transcript{
		Text:     text,
		Segments: []Segment{{Start: 0, End: 1, Text: text}},
		Meta: map[string]any{
			"engine":   m.Name(),
			"language": req.Language,
			"source":   filepath.Base(req.AudioPath),
		},
	}, nil
}

// Calls returns the transcription requests seen so far.
func (m *Mock) Calls() []TranscribeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TranscribeRequest(nil), m.calls...)
}

func (m *Mock) Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if m.SynthErr != nil {
		return Audio{}, m.SynthErr
	}
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, fmt.Errorf("nothing to synthesize")
	}
	// Roughly reading pace, so players show a plausible length.
	d := time.Duration(len([]rune(req.Text))) * 60 * time.Millisecond
	return Audio{
		Data:   audio.SilentWAV(d, audio.TargetSampleRate),
		Format: fmt.Sprintf("wav_%d", audio.TargetSampleRate),
		Ext:    ".wav",
	}, nil
}
