package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/cogscreen/internal/artifacts"
	"github.com/ent0n29/cogscreen/internal/catalog"
	"github.com/ent0n29/cogscreen/internal/config"
	"github.com/ent0n29/cogscreen/internal/httpapi"
	"github.com/ent0n29/cogscreen/internal/interview"
	"github.com/ent0n29/cogscreen/internal/messages"
	"github.com/ent0n29/cogscreen/internal/observability"
	"github.com/ent0n29/cogscreen/internal/scoring"
	"github.com/ent0n29/cogscreen/internal/session"
)

const ollamaProbeTimeout = 2 * time.Second

type VoiceInfo struct {
	Provider string
	Detail   string
	VoiceID  string
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Engine  *interview.Engine
	Locks   session.Locker
	Metrics *observability.Metrics
	Voice   VoiceInfo
	Scorer  string
	Store   string

	// Cleanup releases external resources (DB pool, Redis, local workers).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	fail := func(err error) (*BuildResult, error) {
		_ = closeAll(closers)
		return nil, err
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("postgres pool init failed: %w", err))
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fail(fmt.Errorf("postgres ping failed: %w", err))
		}
		pool = p
		closers = append(closers, func() error { p.Close(); return nil })
	}

	cat, err := buildCatalog(ctx, cfg, pool)
	if err != nil {
		return fail(err)
	}

	store, storeMode, err := buildSessionStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, store.Close)

	// Messages and the session lock live with the session store, so a restart
	// or a second replica sees the same history and serialisation.
	backends := messages.Backends{Pool: pool}
	var locks session.Locker
	switch s := store.(type) {
	case *session.RedisStore:
		backends.Redis = s.Client()
		locks = session.NewRedisLocks(s.Client(), cfg.SessionLockLease)
	case *session.FSStore:
		backends.Dir = cfg.SessionsDir
	}
	if locks == nil {
		locks = session.NewLocks(cfg.SessionLockIdleTTL)
	}

	msgLog, err := messages.NewLog(ctx, backends)
	if err != nil {
		return fail(fmt.Errorf("message log init failed: %w", err))
	}
	closers = append(closers, msgLog.Close)
	hub := messages.NewHub()

	voiceSetup, err := resolveVoice(cfg, logger)
	if err != nil {
		return fail(err)
	}
	if voiceSetup.cleanup != nil {
		closers = append(closers, voiceSetup.cleanup)
	}

	collab, err := resolveScorer(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	loc, err := time.LoadLocation(cfg.ReferenceTimezone)
	if err != nil {
		return fail(fmt.Errorf("reference timezone: %w", err))
	}
	scorer := scoring.NewAdapter(collab, scoring.Options{
		Location: loc,
		Site:     scoring.Site{City: cfg.SiteCity, Region: cfg.SiteRegion, Country: cfg.SiteCountry},
		Timeout:  cfg.ScoringTimeout,
		Logger:   logger,
		Metrics:  metrics,
	})

	engine := interview.New(interview.Deps{
		Catalog:         cat,
		Sessions:        store,
		Messages:        messages.Publishing(msgLog, hub),
		Artifacts:       artifacts.New(cfg.SessionsDir),
		Assets:          artifacts.NewAssets(cfg.AssetsDir),
		Transcriber:     voiceSetup.transcriber,
		Synthesizer:     voiceSetup.synthesizer,
		Scorer:          scorer,
		Locks:           locks,
		Logger:          logger,
		Metrics:         metrics,
		DefaultProtocol: cfg.DefaultProtocol,
		ClosingText:     cfg.ClosingText,
		Voice:           voiceSetup.voiceID,
		TurnTimeout:     cfg.AnswerTimeout,
	})

	api := httpapi.New(cfg, engine, hub, metrics, logger)

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Engine:  engine,
		Locks:   locks,
		Metrics: metrics,
		Voice: VoiceInfo{
			Provider: voiceSetup.provider,
			Detail:   voiceSetup.detail,
			VoiceID:  voiceSetup.voiceID,
		},
		Scorer: collab.Name(),
		Store:  storeMode,
		Cleanup: func() error {
			return closeAll(closers)
		},
	}, nil
}

// buildCatalog layers protocol sources: database content first, then the
// protocols file, then the built-in protocols.
func buildCatalog(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (*catalog.Catalog, error) {
	var sources []catalog.Source
	if pool != nil {
		pg, err := catalog.NewPostgresSource(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("prompt catalog init failed: %w", err)
		}
		sources = append(sources, pg)
	}
	if cfg.ProtocolsFile != "" {
		file := catalog.NewStaticSource()
		if err := file.LoadFile(cfg.ProtocolsFile); err != nil {
			return nil, err
		}
		sources = append(sources, file)
	}
	sources = append(sources, catalog.NewBuiltinSource())
	return catalog.New(cfg.DefaultLanguage, sources...), nil
}

func buildSessionStore(ctx context.Context, cfg config.Config) (session.Store, string, error) {
	mode := cfg.SessionStore
	if mode == "" || mode == "auto" {
		mode = "fs"
		if cfg.RedisURL != "" {
			mode = "redis"
		}
	}
	switch mode {
	case "redis":
		store, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, "", fmt.Errorf("redis session store init failed: %w", err)
		}
		return store, mode, nil
	case "fs":
		store, err := session.NewFSStore(cfg.SessionsDir)
		if err != nil {
			return nil, "", fmt.Errorf("fs session store init failed: %w", err)
		}
		return store, mode, nil
	default:
		return nil, "", fmt.Errorf("invalid SESSION_STORE: %q (expected auto|fs|redis)", cfg.SessionStore)
	}
}

func resolveScorer(ctx context.Context, cfg config.Config, logger *slog.Logger) (scoring.Collaborator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.ScoringProvider))
	switch mode {
	case "keyword":
		return scoring.NewKeyword(), nil
	case "mock":
		return &scoring.Mock{Raw: `{"score": 0, "reason": "mock scorer"}`}, nil
	case "ollama":
		o, err := scoring.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.ScoringTimeout)
		if err != nil {
			return nil, fmt.Errorf("ollama scorer init failed: %w", err)
		}
		return o, nil
	case "", "auto":
		o, err := scoring.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.ScoringTimeout)
		if err != nil {
			logger.Warn("ollama scorer unavailable, using keyword scorer", "error", err)
			return scoring.NewKeyword(), nil
		}
		probeCtx, cancel := context.WithTimeout(ctx, ollamaProbeTimeout)
		defer cancel()
		if err := o.Ping(probeCtx); err != nil {
			logger.Warn("ollama scorer unreachable, using keyword scorer", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "error", err)
			return scoring.NewKeyword(), nil
		}
		return o, nil
	default:
		return nil, fmt.Errorf("invalid SCORING_PROVIDER: %q (expected auto|ollama|keyword|mock)", cfg.ScoringProvider)
	}
}

// closeAll runs closers in reverse order of acquisition.
func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
