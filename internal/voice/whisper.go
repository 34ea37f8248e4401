package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/cogscreen/internal/audio"
)

type WhisperConfig struct {
	CLI       string
	ModelPath string
	Language  string
	Threads   int
	BeamSize  int
	BestOf    int
}

// WhisperCPP transcribes with the whisper.cpp CLI. Every call converts the
// recording with ffmpeg and runs its own whisper-cli process, so it is safe
// for concurrent use.
type WhisperCPP struct {
	conv      *audio.Converter
	cliPath   string
	modelPath string
	language  string
	threads   int
	beamSize  int
	bestOf    int
}

func NewWhisperCPP(cfg WhisperConfig, conv *audio.Converter) (*WhisperCPP, error) {
	if conv == nil {
		return nil, errors.New("whisper.cpp requires an ffmpeg converter")
	}
	cli := strings.TrimSpace(cfg.CLI)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("LOCAL_WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "it"
	}

	threads := cfg.Threads
	if threads < 0 {
		return nil, fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if threads == 0 {
		threads = min(max(runtime.NumCPU(), 2), 8)
	}
	beamSize := cfg.BeamSize
	if beamSize <= 0 {
		beamSize = 1
	}
	bestOf := cfg.BestOf
	if bestOf <= 0 {
		bestOf = 1
	}

	return &WhisperCPP{
		conv:      conv,
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
		beamSize:  beamSize,
		bestOf:    bestOf,
	}, nil
}

func (w *WhisperCPP) Name() string { return "whisper.cpp" }

func (w *WhisperCPP) Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error) {
	tmpDir, err := os.MkdirTemp("", "cogscreen-whisper-*")
	if err != nil {
		return Transcript{}, err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := req.ConvertedPath
	if wavPath == "" {
		wavPath = filepath.Join(tmpDir, "audio.wav")
	}
	started := time.Now()
	if err := w.conv.ToWAV16kMono(ctx, req.AudioPath, wavPath); err != nil {
		return Transcript{}, fmt.Errorf("convert audio: %w", err)
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = w.language
	}

	outPrefix := filepath.Join(tmpDir, "out")
	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", language,
		"-oj",
		"-otxt",
		"-of", outPrefix,
		"-t", strconv.Itoa(w.threads),
		"-bs", strconv.Itoa(w.beamSize),
		"-bo", strconv.Itoa(w.bestOf),
	}
	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	injectWhisperLibraryEnv(cmd, w.cliPath)
	cmd.Stdout = io.Discard
	stderr := newTailBuffer(8 << 10)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Transcript{}, context.Canceled
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Transcript{}, fmt.Errorf("whisper.cpp timed out: %w", context.DeadlineExceeded)
		}
		detail := stderr.String()
		if detail == "" {
			detail = err.Error()
		}
		return Transcript{}, fmt.Errorf("whisper.cpp failed: %s: %w", detail, err)
	}

	segments, err := readWhisperJSON(outPrefix + ".json")
	if err != nil {
		return Transcript{}, err
	}
	text := ""
	if b, err := os.ReadFile(outPrefix + ".txt"); err == nil {
		text = strings.Join(strings.Fields(string(b)), " ")
	} else {
		text = joinSegments(segments)
	}

	return Transcript{
		Text:     text,
		Segments: segments,
		Meta: map[string]any{
			"engine":         w.Name(),
			"model":          filepath.Base(w.modelPath),
			"language":       language,
			"converted_path": req.ConvertedPath,
			"elapsed_ms":     time.Since(started).Milliseconds(),
		},
	}, nil
}

// whisperJSON is the subset of whisper-cli's -oj output we read.
type whisperJSON struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func readWhisperJSON(path string) ([]Segment, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}
	var out whisperJSON
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}
	segments := make([]Segment, 0, len(out.Transcription))
	for _, item := range out.Transcription {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  text,
		})
	}
	return segments, nil
}

func joinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// injectWhisperLibraryEnv points the dynamic loader at a lib/ directory that
// ships next to a locally built whisper-cli.
func injectWhisperLibraryEnv(cmd *exec.Cmd, toolPath string) {
	toolPath = strings.TrimSpace(toolPath)
	if cmd == nil || toolPath == "" {
		return
	}
	toolDir := filepath.Dir(toolPath)
	libDir := ""
	for _, candidate := range []string{
		filepath.Clean(filepath.Join(toolDir, "..", "lib")),
		filepath.Clean(filepath.Join(toolDir, "lib")),
	} {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			libDir = candidate
			break
		}
	}
	if libDir == "" {
		return
	}
	env := cmd.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	env = prependPathEnv(env, "LD_LIBRARY_PATH", libDir)
	env = prependPathEnv(env, "DYLD_FALLBACK_LIBRARY_PATH", libDir)
	cmd.Env = env
}

func prependPathEnv(env []string, key, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return env
	}
	prefix := key + "="
	for i := range env {
		if !strings.HasPrefix(env[i], prefix) {
			continue
		}
		current := strings.TrimPrefix(env[i], prefix)
		if pathListContains(current, value) {
			return env
		}
		if strings.TrimSpace(current) == "" {
			env[i] = prefix + value
		} else {
			env[i] = prefix + value + string(os.PathListSeparator) + current
		}
		return env
	}
	return append(env, prefix+value)
}

func pathListContains(pathList, value string) bool {
	value = filepath.Clean(strings.TrimSpace(value))
	if value == "" {
		return false
	}
	for _, item := range filepath.SplitList(pathList) {
		if filepath.Clean(strings.TrimSpace(item)) == value {
			return true
		}
	}
	return false
}
