package scoring

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"
)

// Keyword scores offline by counting rubric targets present in the
// transcript. It is deterministic and safe for concurrent use.
type Keyword struct{}

func NewKeyword() *Keyword { return &Keyword{} }

func (k *Keyword) Name() string { return "keyword" }

func (k *Keyword) Evaluate(_ context.Context, req Request) (string, error) {
	out := verdict{Reason: "nessun riferimento disponibile per la valutazione automatica"}
	score := 0.0
	if len(req.Targets) > 0 {
		haystack := " " + normalizeWords(req.Transcript) + " "
		var found []string
		for _, target := range req.Targets {
			if !matches(haystack, target) {
				continue
			}
			points := target.Points
			if points <= 0 {
				points = 1
			}
			score += float64(points)
			found = append(found, target.Label)
		}
		if len(found) == 0 {
			out.Reason = "nessun elemento atteso trovato"
		} else {
			out.Reason = "trovati: " + strings.Join(found, ", ")
		}
	}
	out.Score = &score
	out.MaxScore = &req.MaxScore
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func matches(haystack string, target Target) bool {
	for _, alt := range append([]string{target.Label}, target.Alternatives...) {
		needle := normalizeWords(alt)
		if needle != "" && strings.Contains(haystack, " "+needle+" ") {
			return true
		}
	}
	return false
}

// normalizeWords lower-cases s, folds accents and reduces punctuation to
// single spaces.
func normalizeWords(s string) string {
	s = foldAccents(strings.ToLower(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

var accentFolder = strings.NewReplacer(
	"à", "a", "á", "a", "è", "e", "é", "e", "ì", "i", "í", "i",
	"ò", "o", "ó", "o", "ù", "u", "ú", "u",
)

func foldAccents(s string) string {
	return accentFolder.Replace(s)
}
