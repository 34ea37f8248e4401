package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.SessionsDir != filepath.Join("data", "sessions") {
		t.Fatalf("SessionsDir = %q, want data/sessions", cfg.SessionsDir)
	}
	if cfg.AssetsDir != filepath.Join("data", "assets") {
		t.Fatalf("AssetsDir = %q, want data/assets", cfg.AssetsDir)
	}
	if cfg.DefaultProtocol != "mmse_v1" || cfg.DefaultLanguage != "it" {
		t.Fatalf("defaults = (%q, %q), want (mmse_v1, it)", cfg.DefaultProtocol, cfg.DefaultLanguage)
	}
	if cfg.ClosingText != "Grazie. Il test è terminato." {
		t.Fatalf("ClosingText = %q", cfg.ClosingText)
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 15s", cfg.ShutdownTimeout)
	}
	if cfg.SessionStore != "auto" || cfg.VoiceProvider != "auto" || cfg.ScoringProvider != "auto" {
		t.Fatalf("provider modes = (%q, %q, %q), want auto", cfg.SessionStore, cfg.VoiceProvider, cfg.ScoringProvider)
	}
	if cfg.SessionLockLease != 30*time.Second {
		t.Fatalf("SessionLockLease = %v, want 30s", cfg.SessionLockLease)
	}
	if cfg.ReferenceTimezone != "Europe/Rome" {
		t.Fatalf("ReferenceTimezone = %q, want Europe/Rome", cfg.ReferenceTimezone)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("APP_DATA_ROOT", "/srv/cogscreen")
	t.Setenv("SCORING_PROVIDER", "Keyword")
	t.Setenv("SCORING_TIMEOUT", "5s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.SessionsDir != filepath.Join("/srv/cogscreen", "sessions") {
		t.Fatalf("SessionsDir = %q", cfg.SessionsDir)
	}
	if cfg.ScoringProvider != "keyword" {
		t.Fatalf("ScoringProvider = %q, want keyword", cfg.ScoringProvider)
	}
	if cfg.ScoringTimeout != 5*time.Second {
		t.Fatalf("ScoringTimeout = %v, want 5s", cfg.ScoringTimeout)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "cogscreen.yaml")
	body := "app_default_protocol: demo_v1\nsite_city: Bologna\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("COGSCREEN_CONFIG", path)
	t.Setenv("SITE_CITY", "Milano")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultProtocol != "demo_v1" {
		t.Fatalf("DefaultProtocol = %q, want demo_v1", cfg.DefaultProtocol)
	}
	if cfg.SiteCity != "Milano" {
		t.Fatalf("SiteCity = %q, want env to win over file", cfg.SiteCity)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"SESSION_STORE", "etcd"},
		{"VOICE_PROVIDER", "cloud"},
		{"SCORING_PROVIDER", "gpt"},
		{"SCORING_TIMEOUT", "soon"},
		{"APP_SESSION_LOCK_LEASE", "500ms"},
		{"LOCAL_WHISPER_BEAM_SIZE", "0"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe"},
		{"SCORING_REFERENCE_TIMEZONE", "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoadRedisStoreRequiresURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SESSION_STORE", "redis")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing REDIS_URL error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"COGSCREEN_CONFIG",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_ANSWER_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_DATA_ROOT",
		"APP_SESSIONS_DIR",
		"APP_PROTOCOLS_FILE",
		"APP_DEFAULT_PROTOCOL",
		"APP_DEFAULT_LANGUAGE",
		"APP_CLOSING_TEXT",
		"APP_SESSION_LOCK_IDLE_TTL",
		"APP_SESSION_LOCK_LEASE",
		"DATABASE_URL",
		"REDIS_URL",
		"SESSION_STORE",
		"VOICE_PROVIDER",
		"FFMPEG_PATH",
		"LOCAL_WHISPER_CLI",
		"LOCAL_WHISPER_MODEL_PATH",
		"LOCAL_WHISPER_THREADS",
		"LOCAL_WHISPER_BEAM_SIZE",
		"LOCAL_WHISPER_BEST_OF",
		"LOCAL_KOKORO_PYTHON",
		"LOCAL_KOKORO_WORKER_SCRIPT",
		"LOCAL_KOKORO_VOICE",
		"LOCAL_KOKORO_LANG_CODE",
		"DEEPGRAM_API_KEY",
		"DEEPGRAM_BASE_URL",
		"DEEPGRAM_MODEL",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_TTS_VOICE_ID",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT",
		"SCORING_PROVIDER",
		"SCORING_TIMEOUT",
		"OLLAMA_URL",
		"OLLAMA_MODEL",
		"SCORING_REFERENCE_TIMEZONE",
		"SITE_CITY",
		"SITE_REGION",
		"SITE_COUNTRY",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
