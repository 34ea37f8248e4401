package scoring

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/cogscreen/internal/observability"
	"github.com/ent0n29/cogscreen/internal/reliability"
)

// Options configures an Adapter. Zero values pick defaults.
type Options struct {
	Rubrics  map[string]Rubric
	Location *time.Location
	Site     Site
	Timeout  time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Adapter maps steps to rubrics, calls the collaborator and normalises its
// verdict. It is safe for concurrent use if the collaborator is.
type Adapter struct {
	collab  Collaborator
	rubrics map[string]Rubric
	loc     *time.Location
	site    Site
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewAdapter(collab Collaborator, opts Options) *Adapter {
	a := &Adapter{
		collab:  collab,
		rubrics: opts.Rubrics,
		loc:     opts.Location,
		site:    opts.Site,
		timeout: opts.Timeout,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if a.rubrics == nil {
		a.rubrics = DefaultRubrics()
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Rubric returns the configured rubric for stepID.
func (a *Adapter) Rubric(stepID string) (Rubric, bool) {
	r, ok := a.rubrics[CanonicalKey(stepID)]
	return r, ok
}

// Score never fails. Unconfigured steps yield NotScored; collaborator
// failures and malformed verdicts yield a zero score out of the configured
// maximum.
func (a *Adapter) Score(ctx context.Context, stepID, question, transcript string) Result {
	rubric, ok := a.Rubric(stepID)
	if !ok || rubric.MaxScore <= 0 {
		a.metrics.ScoringOutcome("not_scored")
		return NotScored()
	}

	req := Request{
		StepID:     stepID,
		Question:   question,
		Transcript: transcript,
		MaxScore:   rubric.MaxScore,
		Rubric:     rubric.Text,
		Targets:    rubric.Targets,
	}
	switch rubric.truth {
	case timeGroundTruth:
		text, targets := timeTruth(a.now(), a.loc)
		req.Rubric = rubric.Text + "\n" + text
		req.Targets = targets
	case placeGroundTruth:
		if text, targets := placeTruth(a.site); text != "" {
			req.Rubric = rubric.Text + "\n" + text
			req.Targets = targets
		}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, "scoring.evaluate",
		attribute.String("scoring.collaborator", a.collab.Name()),
		attribute.String("scoring.step_id", stepID),
	)
	raw, err := a.collab.Evaluate(ctx, req)
	observability.EndSpan(span, err)
	if err != nil {
		code := reliability.ErrorCode(err)
		a.metrics.CollaboratorError("scorer", code)
		a.metrics.ScoringOutcome("failed")
		a.logger.Warn("scoring degraded", "step_id", stepID, "collaborator", a.collab.Name(), "code", code, "error", err)
		return degraded(rubric.MaxScore, "scoring unavailable: "+err.Error())
	}

	res, ok := parseVerdict(raw, rubric.MaxScore)
	if !ok {
		a.metrics.ScoringOutcome("invalid")
		a.logger.Warn("scorer returned invalid output", "step_id", stepID, "collaborator", a.collab.Name())
		return degraded(rubric.MaxScore, ReasonInvalidOutput)
	}
	a.metrics.ScoringOutcome("scored")
	return res
}

type verdict struct {
	Score    *float64 `json:"score"`
	MaxScore *int     `json:"max_score,omitempty"`
	Reason   string   `json:"reason"`
}

// parseVerdict accepts a JSON object, optionally wrapped in a markdown code
// fence, and clamps the score into [0, max].
func parseVerdict(raw string, max int) (Result, bool) {
	raw = strings.TrimSpace(raw)
	if parts := strings.Split(raw, "```"); len(parts) > 2 {
		raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[1]), "json"))
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil || v.Score == nil {
		return Result{}, false
	}
	if math.IsNaN(*v.Score) || math.IsInf(*v.Score, 0) {
		return Result{}, false
	}
	score := int(math.Round(*v.Score))
	if score < 0 {
		score = 0
	}
	if score > max {
		score = max
	}
	return Result{Score: intPtr(score), MaxScore: intPtr(max), Reason: strings.TrimSpace(v.Reason)}, true
}
