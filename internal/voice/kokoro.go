package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

type KokoroConfig struct {
	Python       string
	WorkerScript string
	Voice        string
	LangCode     string
}

// Kokoro drives a long-lived python worker over JSON lines. The worker holds
// a single model instance, so calls are serialised internally; concurrent
// callers queue on the mutex.
type Kokoro struct {
	voice    string
	langCode string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	stderr *tailBuffer
	closed bool
}

type kokoroRequest struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	LangCode string  `json:"lang_code"`
	Speed    float64 `json:"speed"`
}

type kokoroResponse struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
	AudioBase64 string `json:"audio_base64"`
	Error       string `json:"error"`
}

// StartKokoro launches the worker and sends a warmup request so missing
// python dependencies fail at boot rather than on the first prompt.
func StartKokoro(cfg KokoroConfig) (*Kokoro, error) {
	python := strings.TrimSpace(cfg.Python)
	if python == "" {
		python = "python3"
	}
	if _, err := os.Stat(cfg.WorkerScript); err != nil {
		return nil, fmt.Errorf("kokoro worker script not found: %s", cfg.WorkerScript)
	}
	cmd := exec.Command(python, "-u", cfg.WorkerScript)
	cmd.Env = append(os.Environ(), "PYTORCH_ENABLE_MPS_FALLBACK=1")
	stderr := newTailBuffer(8 << 10)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	k := &Kokoro{
		voice:    strings.TrimSpace(cfg.Voice),
		langCode: strings.TrimSpace(cfg.LangCode),
		cmd:      cmd,
		stdin:    stdin,
		dec:      json.NewDecoder(stdout),
		stderr:   stderr,
	}
	if k.voice == "" {
		k.voice = "if_sara"
	}
	if k.langCode == "" {
		k.langCode = "i"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	if _, err := k.Synthesize(ctx, SynthesizeRequest{Text: "pronto"}); err != nil {
		_ = k.Close()
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("kokoro worker failed to start: %s", msg)
	}
	return k, nil
}

func (k *Kokoro) Name() string { return "kokoro" }

func (k *Kokoro) Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return Audio{}, fmt.Errorf("kokoro worker closed")
	}
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}

	line := kokoroRequest{
		ID:       fmt.Sprintf("req-%d", time.Now().UnixNano()),
		Text:     req.Text,
		Voice:    k.voice,
		LangCode: k.langCode,
		Speed:    1.0,
	}
	if v := strings.TrimSpace(req.Voice); v != "" {
		line.Voice = v
	}

	b, _ := json.Marshal(line)
	b = append(b, '\n')
	if _, err := k.stdin.Write(b); err != nil {
		return Audio{}, err
	}

	// The decode blocks on the pipe; a deadline kills the worker since the
	// stream cannot be resynchronised after an abandoned response.
	type result struct {
		resp kokoroResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var resp kokoroResponse
		err := k.dec.Decode(&resp)
		done <- result{resp, err}
	}()
	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		k.closed = true
		if k.cmd != nil && k.cmd.Process != nil {
			_ = k.cmd.Process.Kill()
		}
		return Audio{}, fmt.Errorf("kokoro: %w", ctx.Err())
	}
	if res.err != nil {
		return Audio{}, res.err
	}
	resp := res.resp
	if resp.ID != line.ID {
		return Audio{}, fmt.Errorf("kokoro worker out-of-sync (got %q, expected %q)", resp.ID, line.ID)
	}
	if !resp.OK {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "unknown kokoro error"
		}
		return Audio{}, fmt.Errorf("kokoro: %s", msg)
	}

	format := strings.TrimSpace(resp.Format)
	if format == "" {
		format = "wav_24000"
	}
	data, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return Audio{}, fmt.Errorf("decode audio_base64: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("kokoro returned no audio")
	}
	return Audio{Data: data, Format: format, Ext: extForFormat(format)}, nil
}

func (k *Kokoro) Close() error {
	k.mu.Lock()
	k.closed = true
	stdin, cmd := k.stdin, k.cmd
	k.stdin, k.cmd = nil, nil
	k.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-time.After(1200 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}

// extForFormat maps provider format labels such as "wav_24000" or
// "mp3_44100_128" to a file extension.
func extForFormat(format string) string {
	codec, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(format)), "_")
	switch codec {
	case "mp3", "wav", "ogg", "opus", "flac":
		return "." + codec
	case "pcm", "ulaw", "alaw":
		return ".raw"
	default:
		return ".bin"
	}
}

