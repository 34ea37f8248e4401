package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticSource serves protocols held in memory, either built in or loaded
// from a YAML file. It is safe for concurrent use.
type StaticSource struct {
	mu        sync.RWMutex
	protocols map[string]map[string][]Step
}

func NewStaticSource() *StaticSource {
	return &StaticSource{protocols: make(map[string]map[string][]Step)}
}

// NewBuiltinSource returns a StaticSource carrying the protocols shipped with
// the service.
func NewBuiltinSource() *StaticSource {
	s := NewStaticSource()
	s.Add("mmse_v1", "it", mmseItalian())
	s.Add("demo_v1", "it", demoItalian())
	return s
}

func (s *StaticSource) Name() string { return "static" }

// Add registers steps for (protocol, lang), replacing any previous entry.
// Ordinals are assigned from list position.
func (s *StaticSource) Add(protocol, lang string, steps []Step) {
	protocol = strings.TrimSpace(protocol)
	lang = NormalizeLang(lang, "")
	out := make([]Step, len(steps))
	for i, step := range steps {
		step.Ordinal = i
		out[i] = step
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byLang, ok := s.protocols[protocol]
	if !ok {
		byLang = make(map[string][]Step)
		s.protocols[protocol] = byLang
	}
	byLang[lang] = out
}

func (s *StaticSource) Protocols(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.protocols))
	for name := range s.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *StaticSource) Steps(_ context.Context, protocol, lang string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byLang, ok := s.protocols[protocol]
	if !ok {
		return nil, ErrUnknownProtocol
	}
	steps := byLang[NormalizeLang(lang, "")]
	out := make([]Step, len(steps))
	copy(out, steps)
	return out, nil
}

type protocolFile struct {
	Protocols []struct {
		Name  string `yaml:"name"`
		Lang  string `yaml:"lang"`
		Steps []Step `yaml:"steps"`
	} `yaml:"protocols"`
}

// LoadYAML adds every protocol in r to s.
//
//	protocols:
//	  - name: demo_v1
//	    lang: it
//	    steps:
//	      - id: orientation_time
//	        question: "Che giorno del mese è oggi?"
//	        audio: prompts/demo_v1/it/step00.wav
func (s *StaticSource) LoadYAML(r io.Reader) error {
	var doc protocolFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode protocols yaml: %w", err)
	}
	for i, p := range doc.Protocols {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("protocols[%d]: name is required", i)
		}
		if NormalizeLang(p.Lang, "") == "" {
			return fmt.Errorf("protocols[%d] %s: lang is required", i, p.Name)
		}
		for j, step := range p.Steps {
			if strings.TrimSpace(step.ID) == "" || strings.TrimSpace(step.Question) == "" {
				return fmt.Errorf("protocols[%d] %s step %d: id and question are required", i, p.Name, j)
			}
		}
		s.Add(p.Name, p.Lang, p.Steps)
	}
	return nil
}

func (s *StaticSource) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open protocols file: %w", err)
	}
	defer f.Close()
	if err := s.LoadYAML(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func mmseItalian() []Step {
	questions := []string{
		"Buongiorno. Iniziamo il test. Mi dica che giorno del mese è oggi, in che mese siamo, in che anno siamo, che giorno della settimana è, e in che stagione siamo.",
		"Ora mi dica dove ci troviamo: in che città siamo, in che regione, e in che stato.",
		"Adesso le dirò tre parole. Le ripeta subito dopo di me: casa, pane, gatto.",
		"Ora conti all'indietro di sette partendo da cento. Mi dica i primi cinque risultati.",
		"Ora mi ripeta le tre parole di prima.",
		"Ripeta questa frase: tigre contro tigre.",
	}
	steps := make([]Step, len(questions))
	for i, q := range questions {
		steps[i] = Step{
			ID:       fmt.Sprintf("mmse_step%02d", i),
			Question: q,
			AudioRef: fmt.Sprintf("prompts/mmse_v1/it/step%02d.wav", i),
		}
	}
	return steps
}

func demoItalian() []Step {
	return []Step{
		{ID: "orientation_time", Question: "Che giorno del mese è oggi? Che mese? Che anno? Che giorno della settimana? In che stagione siamo?"},
		{ID: "orientation_place", Question: "Dove ti trovi adesso? In che città? In che regione? In che stato? E a che piano (se lo sai)?"},
		{ID: "registration_3_words", Question: "Ora ti dirò tre parole: casa, pane, gatto. Ripetile subito, nell'ordine che preferisci."},
		{ID: "attention_serial_7s", Question: "Ora partiamo da 100 e sottrai 7 ogni volta. Dimmi i primi cinque risultati."},
		{ID: "attention_mondo_backwards", Question: `Se ti è difficile fare i calcoli, dimmi la parola "MONDO" al contrario, una lettera alla volta.`},
		{ID: "recall_3_words", Question: "Prima ti ho detto tre parole. Puoi ripeterle adesso?"},
		{ID: "language_naming_objects", Question: "Ora ti mostrerò due oggetti, una matita e un orologio. Come si chiamano?"},
		{ID: "language_repeat_phrase", Question: `Ripeti questa frase: "TIGRE CONTRO TIGRE".`},
	}
}
