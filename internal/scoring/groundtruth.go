package scoring

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Site is where the interview takes place, used for place orientation.
type Site struct {
	City    string
	Region  string
	Country string
}

func (s Site) empty() bool {
	return strings.TrimSpace(s.City) == "" && strings.TrimSpace(s.Region) == "" && strings.TrimSpace(s.Country) == ""
}

var italianMonths = [...]string{
	"", "gennaio", "febbraio", "marzo", "aprile", "maggio", "giugno",
	"luglio", "agosto", "settembre", "ottobre", "novembre", "dicembre",
}

var italianWeekdays = [...]string{
	"domenica", "lunedì", "martedì", "mercoledì", "giovedì", "venerdì", "sabato",
}

// season uses the astronomical boundaries common in Italy.
func season(t time.Time) string {
	md := int(t.Month())*100 + t.Day()
	switch {
	case md >= 321 && md < 621:
		return "primavera"
	case md >= 621 && md < 923:
		return "estate"
	case md >= 923 && md < 1221:
		return "autunno"
	default:
		return "inverno"
	}
}

// timeTruth describes now, as seen in loc, for the rubric and the targets.
func timeTruth(now time.Time, loc *time.Location) (string, []Target) {
	t := now.In(loc)
	day := strconv.Itoa(t.Day())
	month := italianMonths[t.Month()]
	year := strconv.Itoa(t.Year())
	weekday := italianWeekdays[t.Weekday()]
	seas := season(t)

	text := fmt.Sprintf(
		"Riferimento (%s): giorno del mese %s, mese %s, anno %s, giorno della settimana %s, stagione %s.",
		loc.String(), day, month, year, weekday, seas,
	)
	targets := []Target{
		{Label: day},
		{Label: month, Alternatives: []string{strconv.Itoa(int(t.Month()))}},
		{Label: year},
		{Label: weekday, Alternatives: []string{foldAccents(weekday)}},
		{Label: seas},
	}
	return text, targets
}

func placeTruth(site Site) (string, []Target) {
	if site.empty() {
		return "", nil
	}
	var parts []string
	var targets []Target
	add := func(label, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		parts = append(parts, label+" "+value)
		targets = append(targets, Target{Label: value})
	}
	add("città", site.City)
	add("regione", site.Region)
	add("stato", site.Country)
	return "Riferimento: " + strings.Join(parts, ", ") + ".", targets
}
