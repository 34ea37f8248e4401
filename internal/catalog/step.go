// Package catalog supplies the ordered steps of an interview protocol for a
// given language.
package catalog

import (
	"context"
	"errors"
	"strings"
)

// Step is one ordered question of a protocol.
type Step struct {
	ID       string `json:"step_id" yaml:"id"`
	Ordinal  int    `json:"ordinal" yaml:"-"`
	Question string `json:"question" yaml:"question"`
	// AudioRef is a pre-rendered prompt path relative to the assets root.
	AudioRef string `json:"audio_ref,omitempty" yaml:"audio,omitempty"`
}

// Source is one backend of protocol content.
//
// Steps returns ErrUnknownProtocol when the source does not carry the
// protocol at all, and an empty slice when it does but has no steps for lang.
type Source interface {
	Name() string
	Protocols(ctx context.Context) ([]string, error)
	Steps(ctx context.Context, protocol, lang string) ([]Step, error)
}

// ErrUnknownProtocol is returned by a Source for protocols it does not carry.
var ErrUnknownProtocol = errors.New("catalog: unknown protocol")

// ErrStepOutOfRange is returned by StepAt for ordinals past the last step.
var ErrStepOutOfRange = errors.New("catalog: step out of range")

// NormalizeLang lower-cases lang and collapses region subtags to the base
// language, so "it-IT", "IT_ch" and "it" all become "it".
func NormalizeLang(lang, fallback string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	lang = strings.ReplaceAll(lang, "_", "-")
	if base, _, ok := strings.Cut(lang, "-"); ok {
		lang = base
	}
	if lang == "" {
		fallback = strings.TrimSpace(fallback)
		if fallback == "" {
			return ""
		}
		return NormalizeLang(fallback, "")
	}
	return lang
}
