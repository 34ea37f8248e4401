package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/cogscreen/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Stability    float64
	Similarity   float64
	Speed        float64
}

// ElevenLabs synthesises prompts over the stream-input websocket and buffers
// the whole clip. Each call dials its own stream, so it is safe for
// concurrent use.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabs(cfg ElevenLabsConfig) (*ElevenLabs, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ELEVENLABS_API_KEY is required")
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	cfg.Stability = clampSetting(cfg.Stability, 0.42, 0, 1)
	cfg.Similarity = clampSetting(cfg.Similarity, 0.85, 0, 1)
	cfg.Speed = clampSetting(cfg.Speed, 0.95, 0.7, 1.2)
	return &ElevenLabs{cfg: cfg, dialer: websocket.DefaultDialer}, nil
}

func clampSetting(v, fallback, lo, hi float64) float64 {
	if v <= 0 {
		v = fallback
	}
	return min(max(v, lo), hi)
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) streamURL(voiceID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(e.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", e.cfg.ModelID)
	q.Set("output_format", e.cfg.OutputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error) {
	voiceID := strings.TrimSpace(req.Voice)
	if voiceID == "" {
		voiceID = e.cfg.VoiceID
	}
	if voiceID == "" {
		return Audio{}, fmt.Errorf("voice_id is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, fmt.Errorf("nothing to synthesize")
	}
	target, err := e.streamURL(voiceID)
	if err != nil {
		return Audio{}, err
	}
	headers := http.Header{}
	headers.Set("xi-api-key", e.cfg.APIKey)
	conn, resp, err := e.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return Audio{}, &reliability.StatusError{Service: "elevenlabs", StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return Audio{}, fmt.Errorf("dial tts websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	frames := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        e.cfg.Stability,
				"similarity_boost": e.cfg.Similarity,
				"speed":            e.cfg.Speed,
			},
		},
		{"text": strings.TrimSpace(req.Text) + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, frame := range frames {
		if err := conn.WriteJSON(frame); err != nil {
			return Audio{}, fmt.Errorf("write tts frame: %w", err)
		}
	}

	var buf bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Audio{}, fmt.Errorf("elevenlabs: %w", ctxErr)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && buf.Len() > 0 {
				break
			}
			return Audio{}, fmt.Errorf("read tts websocket: %w", err)
		}
		var frame struct {
			Audio       string `json:"audio"`
			IsFinal     bool   `json:"isFinal"`
			Error       string `json:"error"`
			MessageType string `json:"message_type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Error != "" {
			return Audio{}, &reliability.RealtimeError{Service: "elevenlabs", MessageType: frame.MessageType, Message: frame.Error}
		}
		if frame.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				return Audio{}, fmt.Errorf("decode audio chunk: %w", err)
			}
			buf.Write(chunk)
		}
		if frame.IsFinal {
			break
		}
	}
	if buf.Len() == 0 {
		return Audio{}, fmt.Errorf("elevenlabs returned no audio")
	}
	return Audio{Data: buf.Bytes(), Format: e.cfg.OutputFormat, Ext: extForFormat(e.cfg.OutputFormat)}, nil
}
