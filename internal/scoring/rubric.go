package scoring

import (
	"strconv"
	"strings"
)

type groundTruth int

const (
	noGroundTruth groundTruth = iota
	timeGroundTruth
	placeGroundTruth
)

// Rubric configures scoring for one step.
type Rubric struct {
	MaxScore int
	Text     string
	Targets  []Target
	truth    groundTruth
}

// CanonicalKey normalises a step id for rubric lookup: pure numbers and ids
// ending in digits collapse to the integer ("02" and "mmse_step02" become
// "2"), anything else is kept as is.
func CanonicalKey(stepID string) string {
	stepID = strings.TrimSpace(stepID)
	end := len(stepID)
	start := end
	for start > 0 && stepID[start-1] >= '0' && stepID[start-1] <= '9' {
		start--
	}
	if start == end {
		return stepID
	}
	n, err := strconv.Atoi(stepID[start:end])
	if err != nil {
		return stepID
	}
	return strconv.Itoa(n)
}

var threeWords = []Target{
	{Label: "casa"},
	{Label: "pane"},
	{Label: "gatto"},
}

var serialSevens = []Target{
	{Label: "93", Alternatives: []string{"novantatre"}},
	{Label: "86", Alternatives: []string{"ottantasei"}},
	{Label: "79", Alternatives: []string{"settantanove"}},
	{Label: "72", Alternatives: []string{"settantadue"}},
	{Label: "65", Alternatives: []string{"sessantacinque"}},
}

const (
	timeRubric         = "Orientamento nel tempo. Un punto per ciascun elemento corretto: giorno del mese, mese, anno, giorno della settimana, stagione."
	registrationRubric = "Parole target: casa, pane, gatto. Un punto per ogni parola ripetuta, in qualsiasi ordine."
	serialSevensRubric = "Sottrazioni seriali di 7 partendo da 100. Risultati attesi: 93, 86, 79, 72, 65. Un punto per ogni risultato corretto."
	recallRubric       = "Richiamo delle parole casa, pane, gatto. Un punto per ogni parola ricordata, in qualsiasi ordine."
	repetitionRubric   = "La frase da ripetere è: tigre contro tigre. Un punto solo se ripetuta correttamente."
)

// DefaultRubrics returns the rubric table for the built-in protocols, keyed
// by canonical step key.
func DefaultRubrics() map[string]Rubric {
	return map[string]Rubric{
		"0": {MaxScore: 5, Text: timeRubric, truth: timeGroundTruth},
		"1": {MaxScore: 3, Text: "Orientamento nel luogo. Un punto per ciascuno: città, regione, stato.", truth: placeGroundTruth},
		"2": {MaxScore: 3, Text: registrationRubric, Targets: threeWords},
		"3": {MaxScore: 5, Text: serialSevensRubric, Targets: serialSevens},
		"4": {MaxScore: 3, Text: recallRubric, Targets: threeWords},
		"5": {MaxScore: 1, Text: repetitionRubric, Targets: []Target{{Label: "tigre contro tigre"}}},

		"orientation_time":     {MaxScore: 5, Text: timeRubric, truth: timeGroundTruth},
		"orientation_place":    {MaxScore: 5, Text: "Orientamento nel luogo. Un punto per ciascuno: luogo, città, regione, stato, piano.", truth: placeGroundTruth},
		"registration_3_words": {MaxScore: 3, Text: registrationRubric, Targets: threeWords},
		"attention_serial_7s":  {MaxScore: 5, Text: serialSevensRubric, Targets: serialSevens},
		"attention_mondo_backwards": {
			MaxScore: 5,
			Text:     `La parola "MONDO" al contrario è O-D-N-O-M. Cinque punti se le lettere sono nell'ordine corretto.`,
			Targets:  []Target{{Label: "o d n o m", Alternatives: []string{"odnom"}, Points: 5}},
		},
		"recall_3_words": {MaxScore: 3, Text: recallRubric, Targets: threeWords},
		"language_naming_objects": {
			MaxScore: 2,
			Text:     "Denominazione di due oggetti: matita e orologio. Un punto per ciascuno.",
			Targets:  []Target{{Label: "matita"}, {Label: "orologio"}},
		},
		"language_repeat_phrase": {MaxScore: 1, Text: repetitionRubric, Targets: []Target{{Label: "tigre contro tigre"}}},
	}
}
