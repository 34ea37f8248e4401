// Package scoring annotates answered steps with a bounded score. Scoring never
// fails a turn: collaborator errors and malformed output degrade into a zero
// score with a diagnostic reason.
package scoring

import "context"

// Result is the score annotation stored with a turn.
type Result struct {
	Score    *int   `json:"score"`
	MaxScore *int   `json:"max_score"`
	Reason   string `json:"reason"`
}

const (
	ReasonNotScored     = "not scored"
	ReasonInvalidOutput = "invalid scorer output"
)

func NotScored() Result {
	return Result{Reason: ReasonNotScored}
}

func degraded(max int, reason string) Result {
	return Result{Score: intPtr(0), MaxScore: intPtr(max), Reason: reason}
}

func intPtr(v int) *int { return &v }

// Target is one thing an answer is expected to contain. Any alternative
// counts as a match.
type Target struct {
	Label        string   `json:"label"`
	Alternatives []string `json:"alternatives,omitempty"`
	Points       int      `json:"points,omitempty"`
}

// Request is what a Collaborator receives for one answer.
type Request struct {
	StepID     string
	Question   string
	Transcript string
	MaxScore   int
	Rubric     string
	Targets    []Target
}

// Collaborator evaluates an answer and returns its raw JSON verdict,
// {"score": int, "max_score": int, "reason": string}.
type Collaborator interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (string, error)
}
