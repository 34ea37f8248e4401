package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the screening interview service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	AnswerTimeout    time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	DataRoot        string
	SessionsDir     string
	AssetsDir       string
	ProtocolsFile   string
	DefaultProtocol string
	DefaultLanguage string
	ClosingText     string

	DatabaseURL        string
	RedisURL           string
	SessionStore       string
	SessionLockIdleTTL time.Duration
	// SessionLockLease is how long a Redis session lock survives without
	// renewal when its holder dies.
	SessionLockLease   time.Duration

	VoiceProvider string
	FFmpegPath    string

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperThreads   int
	LocalWhisperBeamSize  int
	LocalWhisperBestOf    int

	LocalKokoroPython       string
	LocalKokoroWorkerScript string
	LocalKokoroVoice        string
	LocalKokoroLangCode     string

	DeepgramAPIKey  string
	DeepgramBaseURL string
	DeepgramModel   string

	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string

	ScoringProvider   string
	OllamaURL         string
	OllamaModel       string
	ScoringTimeout    time.Duration
	ReferenceTimezone string
	SiteCity          string
	SiteRegion        string
	SiteCountry       string
}

var defaults = map[string]any{
	"APP_BIND_ADDR":                ":8080",
	"APP_METRICS_NAMESPACE":        "cogscreen",
	"APP_LOG_LEVEL":                "info",
	"APP_LOG_FORMAT":               "json",
	"APP_DATA_ROOT":                "data",
	"APP_DEFAULT_PROTOCOL":         "mmse_v1",
	"APP_DEFAULT_LANGUAGE":         "it",
	"APP_CLOSING_TEXT":             "Grazie. Il test è terminato.",
	"SESSION_STORE":                "auto",
	"VOICE_PROVIDER":               "auto",
	"FFMPEG_PATH":                  "ffmpeg",
	"LOCAL_WHISPER_CLI":            "whisper-cli",
	"LOCAL_WHISPER_MODEL_PATH":     ".models/whisper/ggml-small.bin",
	"LOCAL_KOKORO_WORKER_SCRIPT":   "scripts/kokoro_worker.py",
	"LOCAL_KOKORO_VOICE":           "if_sara",
	"LOCAL_KOKORO_LANG_CODE":       "i",
	"DEEPGRAM_BASE_URL":            "wss://api.deepgram.com",
	"DEEPGRAM_MODEL":               "nova-2",
	"ELEVENLABS_WS_BASE_URL":       "wss://api.elevenlabs.io",
	"ELEVENLABS_TTS_VOICE_ID":      "cgSgspJ2msm6clMCkdW9",
	"ELEVENLABS_TTS_MODEL_ID":      "eleven_multilingual_v2",
	"ELEVENLABS_TTS_OUTPUT_FORMAT": "mp3_44100_128",
	"SCORING_PROVIDER":             "auto",
	"OLLAMA_URL":                   "http://localhost:11434",
	"OLLAMA_MODEL":                 "llama3.1",
	"SCORING_REFERENCE_TIMEZONE":   "Europe/Rome",
}

// Load reads an optional YAML file named by COGSCREEN_CONFIG, then environment
// variables, and applies defaults.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("COGSCREEN_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		BindAddr:                  str(v, "APP_BIND_ADDR"),
		MetricsNamespace:          str(v, "APP_METRICS_NAMESPACE"),
		LogLevel:                  str(v, "APP_LOG_LEVEL"),
		LogFormat:                 str(v, "APP_LOG_FORMAT"),
		DataRoot:                  str(v, "APP_DATA_ROOT"),
		SessionsDir:               str(v, "APP_SESSIONS_DIR"),
		AssetsDir:                 str(v, "APP_ASSETS_DIR"),
		ProtocolsFile:             str(v, "APP_PROTOCOLS_FILE"),
		DefaultProtocol:           str(v, "APP_DEFAULT_PROTOCOL"),
		DefaultLanguage:           str(v, "APP_DEFAULT_LANGUAGE"),
		ClosingText:               str(v, "APP_CLOSING_TEXT"),
		DatabaseURL:               str(v, "DATABASE_URL"),
		RedisURL:                  str(v, "REDIS_URL"),
		SessionStore:              strings.ToLower(str(v, "SESSION_STORE")),
		VoiceProvider:             strings.ToLower(str(v, "VOICE_PROVIDER")),
		FFmpegPath:                str(v, "FFMPEG_PATH"),
		LocalWhisperCLI:           str(v, "LOCAL_WHISPER_CLI"),
		LocalWhisperModelPath:     str(v, "LOCAL_WHISPER_MODEL_PATH"),
		LocalKokoroPython:         str(v, "LOCAL_KOKORO_PYTHON"),
		LocalKokoroWorkerScript:   str(v, "LOCAL_KOKORO_WORKER_SCRIPT"),
		LocalKokoroVoice:          str(v, "LOCAL_KOKORO_VOICE"),
		LocalKokoroLangCode:       str(v, "LOCAL_KOKORO_LANG_CODE"),
		DeepgramAPIKey:            str(v, "DEEPGRAM_API_KEY"),
		DeepgramBaseURL:           str(v, "DEEPGRAM_BASE_URL"),
		DeepgramModel:             str(v, "DEEPGRAM_MODEL"),
		ElevenLabsAPIKey:          str(v, "ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:       str(v, "ELEVENLABS_WS_BASE_URL"),
		ElevenLabsTTSVoice:        str(v, "ELEVENLABS_TTS_VOICE_ID"),
		ElevenLabsTTSModel:        str(v, "ELEVENLABS_TTS_MODEL_ID"),
		ElevenLabsTTSOutputFormat: str(v, "ELEVENLABS_TTS_OUTPUT_FORMAT"),
		ScoringProvider:           strings.ToLower(str(v, "SCORING_PROVIDER")),
		OllamaURL:                 str(v, "OLLAMA_URL"),
		OllamaModel:               str(v, "OLLAMA_MODEL"),
		ReferenceTimezone:         str(v, "SCORING_REFERENCE_TIMEZONE"),
		SiteCity:                  str(v, "SITE_CITY"),
		SiteRegion:                str(v, "SITE_REGION"),
		SiteCountry:               str(v, "SITE_COUNTRY"),
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = filepath.Join(cfg.DataRoot, "sessions")
	}
	if cfg.AssetsDir == "" {
		cfg.AssetsDir = filepath.Join(cfg.DataRoot, "assets")
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFrom(v, "APP_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AnswerTimeout, err = durationFrom(v, "APP_ANSWER_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.SessionLockIdleTTL, err = durationFrom(v, "APP_SESSION_LOCK_IDLE_TTL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SessionLockLease, err = durationFrom(v, "APP_SESSION_LOCK_LEASE", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ScoringTimeout, err = durationFrom(v, "SCORING_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFrom(v, "APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.LocalWhisperThreads, err = intFrom(v, "LOCAL_WHISPER_THREADS", 0); err != nil {
		return Config{}, err
	}
	if cfg.LocalWhisperBeamSize, err = intFrom(v, "LOCAL_WHISPER_BEAM_SIZE", 1); err != nil {
		return Config{}, err
	}
	if cfg.LocalWhisperBestOf, err = intFrom(v, "LOCAL_WHISPER_BEST_OF", 1); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SessionStore {
	case "auto", "fs", "redis":
	default:
		return fmt.Errorf("SESSION_STORE must be one of auto|fs|redis, got %q", c.SessionStore)
	}
	if c.SessionStore == "redis" && c.RedisURL == "" {
		return fmt.Errorf("SESSION_STORE=redis requires REDIS_URL")
	}
	switch c.VoiceProvider {
	case "auto", "local", "deepgram", "elevenlabs", "mock":
	default:
		return fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|local|deepgram|elevenlabs|mock)", c.VoiceProvider)
	}
	switch c.ScoringProvider {
	case "auto", "ollama", "keyword", "mock":
	default:
		return fmt.Errorf("invalid SCORING_PROVIDER: %q (expected auto|ollama|keyword|mock)", c.ScoringProvider)
	}
	if c.SessionLockIdleTTL < time.Second {
		return fmt.Errorf("APP_SESSION_LOCK_IDLE_TTL must be at least 1s")
	}
	if c.SessionLockLease < time.Second {
		return fmt.Errorf("APP_SESSION_LOCK_LEASE must be at least 1s")
	}
	if c.AnswerTimeout < 0 {
		return fmt.Errorf("APP_ANSWER_TIMEOUT must be >= 0")
	}
	if c.ScoringTimeout <= 0 {
		return fmt.Errorf("SCORING_TIMEOUT must be positive")
	}
	if c.LocalWhisperThreads < 0 {
		return fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if c.LocalWhisperBeamSize <= 0 {
		return fmt.Errorf("LOCAL_WHISPER_BEAM_SIZE must be positive")
	}
	if c.LocalWhisperBestOf <= 0 {
		return fmt.Errorf("LOCAL_WHISPER_BEST_OF must be positive")
	}
	if _, err := time.LoadLocation(c.ReferenceTimezone); err != nil {
		return fmt.Errorf("SCORING_REFERENCE_TIMEZONE: %w", err)
	}
	return nil
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func durationFrom(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := str(v, key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFrom(v *viper.Viper, key string, fallback int) (int, error) {
	raw := str(v, key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFrom(v *viper.Viper, key string, fallback bool) (bool, error) {
	raw := strings.ToLower(str(v, key))
	if raw == "" {
		return fallback, nil
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
