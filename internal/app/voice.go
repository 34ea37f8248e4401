package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/cogscreen/internal/audio"
	"github.com/ent0n29/cogscreen/internal/config"
	"github.com/ent0n29/cogscreen/internal/voice"
)

type voiceSetup struct {
	transcriber voice.Transcriber
	synthesizer voice.Synthesizer
	provider    string
	detail      string
	voiceID     string
	cleanup     func() error
}

func mockVoice(detail string) voiceSetup {
	m := voice.NewMock()
	return voiceSetup{transcriber: m, synthesizer: m, provider: "mock", detail: detail}
}

func resolveVoice(cfg config.Config, logger *slog.Logger) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "mock":
		return mockVoice("mock"), nil

	case "local":
		whisper, err := newWhisper(cfg)
		if err != nil {
			return voiceSetup{}, fmt.Errorf("local voice provider init failed: %w", err)
		}
		kokoro, err := newKokoro(cfg)
		if err != nil {
			return voiceSetup{}, fmt.Errorf("local voice provider init failed: %w", err)
		}
		return voiceSetup{
			transcriber: whisper,
			synthesizer: kokoro,
			provider:    "local",
			detail:      "local (whisper.cpp + kokoro)",
			voiceID:     cfg.LocalKokoroVoice,
			cleanup:     kokoro.Close,
		}, nil

	case "deepgram":
		dg, err := newDeepgram(cfg)
		if err != nil {
			return voiceSetup{}, err
		}
		setup := voiceSetup{transcriber: dg, provider: "deepgram"}
		if el, err := newElevenLabs(cfg); err == nil {
			setup.synthesizer = el
			setup.voiceID = cfg.ElevenLabsTTSVoice
			setup.detail = "deepgram + elevenlabs"
		} else if kokoro, kerr := newKokoro(cfg); kerr == nil {
			setup.synthesizer = kokoro
			setup.voiceID = cfg.LocalKokoroVoice
			setup.cleanup = kokoro.Close
			setup.detail = "deepgram + kokoro"
		} else {
			logger.Warn("no synthesizer available, prompts will be text only", "elevenlabs", err, "kokoro", kerr)
			setup.detail = "deepgram (text-only prompts)"
		}
		return setup, nil

	case "elevenlabs":
		el, err := newElevenLabs(cfg)
		if err != nil {
			return voiceSetup{}, err
		}
		setup := voiceSetup{synthesizer: el, provider: "elevenlabs", voiceID: cfg.ElevenLabsTTSVoice}
		if dg, err := newDeepgram(cfg); err == nil {
			setup.transcriber = dg
			setup.detail = "deepgram + elevenlabs"
		} else if whisper, werr := newWhisper(cfg); werr == nil {
			setup.transcriber = whisper
			setup.detail = "whisper.cpp + elevenlabs"
		} else {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs needs a transcriber: deepgram: %v; whisper.cpp: %v", err, werr)
		}
		return setup, nil

	case "auto":
		return resolveAutoVoice(cfg, logger), nil

	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|local|deepgram|elevenlabs|mock)", cfg.VoiceProvider)
	}
}

// resolveAutoVoice prefers the hosted pair, keeps the local pair as its
// failover, and only falls back to the mock when nothing real is available.
func resolveAutoVoice(cfg config.Config, logger *slog.Logger) voiceSetup {
	dg, dgErr := newDeepgram(cfg)
	el, elErr := newElevenLabs(cfg)
	whisper, whisperErr := newWhisper(cfg)

	var kokoro *voice.Kokoro
	var kokoroErr error
	if whisper != nil {
		kokoro, kokoroErr = newKokoro(cfg)
	} else {
		kokoroErr = errors.New("skipped: no local transcriber")
	}

	if dg != nil && el != nil {
		setup := voiceSetup{
			transcriber: dg,
			synthesizer: el,
			provider:    "deepgram+elevenlabs",
			detail:      "deepgram + elevenlabs",
			voiceID:     cfg.ElevenLabsTTSVoice,
		}
		if whisper != nil && kokoro != nil {
			setup.transcriber, setup.synthesizer = voice.NewFailoverPair(dg, el, whisper, kokoro)
			setup.detail = "deepgram + elevenlabs (automatic local fallback)"
			setup.cleanup = kokoro.Close
		}
		return setup
	}
	if whisper != nil {
		setup := voiceSetup{transcriber: whisper, provider: "local", detail: "local (whisper.cpp, text-only prompts)"}
		switch {
		case kokoro != nil:
			setup.synthesizer = kokoro
			setup.voiceID = cfg.LocalKokoroVoice
			setup.cleanup = kokoro.Close
			setup.detail = "local (whisper.cpp + kokoro)"
		case el != nil:
			setup.synthesizer = el
			setup.voiceID = cfg.ElevenLabsTTSVoice
			setup.detail = "whisper.cpp + elevenlabs"
		}
		return setup
	}
	if dg != nil {
		return voiceSetup{transcriber: dg, provider: "deepgram", detail: "deepgram (text-only prompts)"}
	}

	logger.Warn("no real voice backend available, using mock voice",
		"deepgram", dgErr,
		"elevenlabs", elErr,
		"whisper", whisperErr,
		"kokoro", kokoroErr,
	)
	return mockVoice("mock (no voice backend available)")
}

func newWhisper(cfg config.Config) (*voice.WhisperCPP, error) {
	conv, err := audio.NewConverter(cfg.FFmpegPath)
	if err != nil {
		return nil, err
	}
	return voice.NewWhisperCPP(voice.WhisperConfig{
		CLI:       cfg.LocalWhisperCLI,
		ModelPath: cfg.LocalWhisperModelPath,
		Language:  cfg.DefaultLanguage,
		Threads:   cfg.LocalWhisperThreads,
		BeamSize:  cfg.LocalWhisperBeamSize,
		BestOf:    cfg.LocalWhisperBestOf,
	}, conv)
}

func newKokoro(cfg config.Config) (*voice.Kokoro, error) {
	return voice.StartKokoro(voice.KokoroConfig{
		Python:       cfg.LocalKokoroPython,
		WorkerScript: cfg.LocalKokoroWorkerScript,
		Voice:        cfg.LocalKokoroVoice,
		LangCode:     cfg.LocalKokoroLangCode,
	})
}

func newDeepgram(cfg config.Config) (*voice.Deepgram, error) {
	return voice.NewDeepgram(voice.DeepgramConfig{
		APIKey:  cfg.DeepgramAPIKey,
		BaseURL: cfg.DeepgramBaseURL,
		Model:   cfg.DeepgramModel,
	})
}

func newElevenLabs(cfg config.Config) (*voice.ElevenLabs, error) {
	return voice.NewElevenLabs(voice.ElevenLabsConfig{
		APIKey:       cfg.ElevenLabsAPIKey,
		WSBaseURL:    cfg.ElevenLabsWSBaseURL,
		VoiceID:      cfg.ElevenLabsTTSVoice,
		ModelID:      cfg.ElevenLabsTTSModel,
		OutputFormat: cfg.ElevenLabsTTSOutputFormat,
	})
}
