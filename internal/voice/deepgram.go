package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/cogscreen/internal/reliability"
)

const (
	deepgramChunkBytes = 32 << 10
	// Frames Deepgram sends that the SDK types only as strings.
	deepgramMetadataType = "Metadata"
	deepgramErrorType    = "Error"
)

type DeepgramConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Deepgram streams a captured recording through the live listen endpoint and
// collects the final results. Each call dials its own websocket, so it is
// safe for concurrent use.
type Deepgram struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
}

func NewDeepgram(cfg DeepgramConfig) (*Deepgram, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	return &Deepgram{cfg: cfg, dialer: websocket.DefaultDialer}, nil
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) listenURL(language string) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	if language != "" {
		q.Set("language", language)
	}
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Deepgram) Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error) {
	data, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return Transcript{}, err
	}
	target, err := d.listenURL(strings.TrimSpace(req.Language))
	if err != nil {
		return Transcript{}, err
	}
	started := time.Now()
	conn, resp, err := d.dialer.DialContext(ctx, target, http.Header{"Authorization": {"Token " + d.cfg.APIKey}})
	if err != nil {
		if resp != nil {
			return Transcript{}, &reliability.StatusError{Service: "deepgram", StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return Transcript{}, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	go func() {
		for off := 0; off < len(data); off += deepgramChunkBytes {
			end := min(off+deepgramChunkBytes, len(data))
			if err := conn.WriteMessage(websocket.BinaryMessage, data[off:end]); err != nil {
				return
			}
		}
		_ = conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)})
	}()

	var (
		segments []Segment
		meta     = map[string]any{"engine": d.Name(), "model": d.cfg.Model, "language": req.Language}
	)
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Transcript{}, fmt.Errorf("deepgram: %w", ctxErr)
			}
			return Transcript{}, fmt.Errorf("read deepgram websocket message: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		done, err := d.handleMessage(msg, &segments, meta)
		if err != nil {
			return Transcript{}, err
		}
		if done {
			break
		}
	}
	meta["elapsed_ms"] = time.Since(started).Milliseconds()
	return Transcript{Text: joinSegments(segments), Segments: segments, Meta: meta}, nil
}

// handleMessage folds one frame into segments and reports whether the stream
// is finished.
func (d *Deepgram) handleMessage(msg []byte, segments *[]Segment, meta map[string]any) (bool, error) {
	var parsed struct {
		Type        string `json:"type"`
		RequestID   string `json:"request_id"`
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(msg, &parsed); err != nil {
		return false, nil
	}
	switch parsed.Type {
	case string(api.TypeMessageResponse):
		var res api.MessageResponse
		if err := json.Unmarshal(msg, &res); err != nil {
			return false, fmt.Errorf("decode deepgram result: %w", err)
		}
		if !res.IsFinal || len(res.Channel.Alternatives) == 0 {
			return false, nil
		}
		text := strings.TrimSpace(res.Channel.Alternatives[0].Transcript)
		if text != "" {
			*segments = append(*segments, Segment{Start: res.Start, End: res.Start + res.Duration, Text: text})
		}
		return false, nil
	case deepgramMetadataType:
		if parsed.RequestID != "" {
			meta["request_id"] = parsed.RequestID
		}
		return true, nil
	case deepgramErrorType:
		detail := parsed.Description
		if detail == "" {
			detail = parsed.Message
		}
		return false, &reliability.RealtimeError{Service: "deepgram", MessageType: "error", Message: detail}
	}
	return false, nil
}
