package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/cogscreen/internal/faults"
)

// Catalog resolves protocol steps across an ordered list of sources. The
// first source that carries a protocol is authoritative for it. Resolved
// step lists are validated once and cached per (protocol, language).
type Catalog struct {
	sources     []Source
	defaultLang string

	mu    sync.RWMutex
	cache map[string][]Step
	group singleflight.Group
}

func New(defaultLang string, sources ...Source) *Catalog {
	return &Catalog{
		sources:     sources,
		defaultLang: NormalizeLang(defaultLang, "it"),
		cache:       make(map[string][]Step),
	}
}

// DefaultLang is the language used when a caller does not name one.
func (c *Catalog) DefaultLang() string { return c.defaultLang }

// Steps returns the steps of protocol in lang, ordered by ordinal with
// index == ordinal.
func (c *Catalog) Steps(ctx context.Context, protocol, lang string) ([]Step, error) {
	protocol = strings.TrimSpace(protocol)
	lang = NormalizeLang(lang, c.defaultLang)
	key := protocol + "\x00" + lang

	c.mu.RLock()
	steps, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cloneSteps(steps), nil
	}

	// Callers joining the load share it, so one caller's cancellation must
	// not fail the others.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		steps, err := c.resolve(loadCtx, protocol, lang)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = steps
		c.mu.Unlock()
		return steps, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneSteps(v.([]Step)), nil
}

func (c *Catalog) StepCount(ctx context.Context, protocol, lang string) (int, error) {
	steps, err := c.Steps(ctx, protocol, lang)
	if err != nil {
		return 0, err
	}
	return len(steps), nil
}

func (c *Catalog) StepAt(ctx context.Context, protocol, lang string, ordinal int) (Step, error) {
	steps, err := c.Steps(ctx, protocol, lang)
	if err != nil {
		return Step{}, err
	}
	if ordinal < 0 || ordinal >= len(steps) {
		return Step{}, fmt.Errorf("%w: %s has %d steps, asked for %d", ErrStepOutOfRange, protocol, len(steps), ordinal)
	}
	return steps[ordinal], nil
}

// Protocols lists the protocol names known to any source.
func (c *Catalog) Protocols(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	for _, src := range c.sources {
		list, err := src.Protocols(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s source: %w", src.Name(), err)
		}
		for _, name := range list {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *Catalog) resolve(ctx context.Context, protocol, lang string) ([]Step, error) {
	for _, src := range c.sources {
		steps, err := src.Steps(ctx, protocol, lang)
		if errors.Is(err, ErrUnknownProtocol) {
			continue
		}
		if err != nil {
			return nil, faults.Infrastructure(faults.CodeInternal,
				fmt.Sprintf("load protocol %s from %s source", protocol, src.Name()), err)
		}
		if len(steps) == 0 {
			return nil, faults.New(faults.KindConfiguration, faults.CodeNoPromptsConfigured,
				fmt.Sprintf("no prompts configured for protocol=%s lang=%s", protocol, lang), nil)
		}
		if err := validate(protocol, lang, steps); err != nil {
			return nil, err
		}
		return steps, nil
	}
	return nil, faults.New(faults.KindConfiguration, faults.CodeUnknownProtocol,
		fmt.Sprintf("unknown protocol %q", protocol), nil)
}

func validate(protocol, lang string, steps []Step) error {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })
	seen := make(map[string]struct{}, len(steps))
	for i, st := range steps {
		var problem string
		switch {
		case st.Ordinal != i:
			problem = fmt.Sprintf("ordinal %d at position %d (ordinals must be dense and zero-based)", st.Ordinal, i)
		case strings.TrimSpace(st.ID) == "":
			problem = fmt.Sprintf("step %d has no id", i)
		case strings.TrimSpace(st.Question) == "":
			problem = fmt.Sprintf("step %d (%s) has no question", i, st.ID)
		}
		if problem == "" {
			if _, dup := seen[st.ID]; dup {
				problem = fmt.Sprintf("duplicate step id %s", st.ID)
			}
			seen[st.ID] = struct{}{}
		}
		if problem != "" {
			return faults.New(faults.KindConfiguration, faults.CodeInvalidProtocol,
				fmt.Sprintf("protocol=%s lang=%s: %s", protocol, lang, problem), nil)
		}
	}
	return nil
}

func cloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}
