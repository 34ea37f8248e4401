package session

import (
	"strings"
	"time"

	"github.com/ent0n29/cogscreen/internal/scoring"
)

// Session is the durable interview state for one subject.
type Session struct {
	ID          string    `json:"session_id"`
	Protocol    string    `json:"protocol"`
	Lang        string    `json:"lang,omitempty"`
	CurrentStep int       `json:"current_step"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Features are cheap lexical measures of a transcript.
type Features struct {
	CharCount int `json:"char_count"`
	WordCount int `json:"word_count"`
}

// ComputeFeatures counts characters of the raw transcript, surrounding
// whitespace included, and whitespace-delimited words.
func ComputeFeatures(transcript string) Features {
	return Features{
		CharCount: len([]rune(transcript)),
		WordCount: len(strings.Fields(transcript)),
	}
}

// TurnArtifacts points at the files written for a turn.
type TurnArtifacts struct {
	AudioPath      string `json:"audio_path"`
	TranscriptPath string `json:"transcript_path"`
	SegmentsPath   string `json:"segments_path"`
	MetaPath       string `json:"meta_path"`
	ScorePath      string `json:"score_path,omitempty"`
}

// Turn is the append-only record of one answered step.
type Turn struct {
	CreatedAt  time.Time       `json:"created_at"`
	StepIndex  int             `json:"step_index"`
	StepID     string          `json:"step_id"`
	Question   string          `json:"question"`
	Transcript string          `json:"transcript"`
	Features   Features        `json:"features"`
	Artifacts  TurnArtifacts   `json:"artifacts"`
	Score      *scoring.Result `json:"score,omitempty"`
}
