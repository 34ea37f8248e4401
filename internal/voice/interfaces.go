package voice

import "context"

// Segment is a timed slice of a transcript, in seconds from the start of the
// recording.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Transcript struct {
	Text     string
	Segments []Segment
	Meta     map[string]any
}

// TranscribeRequest names a captured recording on disk. ConvertedPath, when
// set, is where a backend that needs normalised audio writes its 16 kHz mono
// copy so it stays with the session's artifacts.
type TranscribeRequest struct {
	AudioPath     string
	ConvertedPath string
	Language      string
}

type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error)
}

type SynthesizeRequest struct {
	Text     string
	Language string
	Voice    string
}

// Audio is an encoded clip. Ext includes the leading dot.
type Audio struct {
	Data   []byte
	Format string
	Ext    string
}

type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error)
}
