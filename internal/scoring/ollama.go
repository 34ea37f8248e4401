package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/cogscreen/internal/reliability"
)

// verdictSchema documents the shape the model must answer with.
type verdictSchema struct {
	Score    int    `json:"score" jsonschema:"minimum=0,description=Punteggio intero assegnato"`
	MaxScore int    `json:"max_score" jsonschema:"minimum=0,description=Punteggio massimo dell'item"`
	Reason   string `json:"reason" jsonschema:"description=Motivazione breve"`
}

// Ollama asks a local Ollama model for a structured verdict via /api/chat.
// It holds no per-call state and is safe for concurrent use.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	schema  json.RawMessage
}

func NewOllama(baseURL, model string, timeout time.Duration) (*Ollama, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base url is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema, err := json.Marshal(reflector.Reflect(&verdictSchema{}))
	if err != nil {
		return nil, fmt.Errorf("build verdict schema: %w", err)
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		schema: schema,
	}, nil
}

func (o *Ollama) Name() string { return "ollama" }

// Ping checks that the server answers and has the configured model pulled.
func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create ollama request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &reliability.StatusError{Service: "ollama", StatusCode: resp.StatusCode}
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tags); err != nil {
		return fmt.Errorf("decode ollama tags: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == o.model || strings.TrimSuffix(m.Name, ":latest") == o.model {
			return nil
		}
	}
	return fmt.Errorf("ollama model %q is not pulled", o.model)
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Messages []ollamaMessage `json:"messages"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error,omitempty"`
}

func (o *Ollama) Evaluate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: o.schema,
		Messages: []ollamaMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: userPrompt(req)},
		},
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &reliability.StatusError{
			Service:    "ollama",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(payload)),
		}
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return strings.TrimSpace(out.Message.Content), nil
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Sei un valutatore del test MMSE.\n")
	fmt.Fprintf(&b, "Questo item vale massimo %d punti.\n", req.MaxScore)
	b.WriteString(req.Rubric)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Assegna un punteggio intero da 0 a %d.\n", req.MaxScore)
	b.WriteString("Rispondi SOLO con JSON valido nel formato:\n")
	b.WriteString(`{"score": <int>, "max_score": <int>, "reason": "..."}`)
	b.WriteString("\nNon aggiungere altro testo.")
	return b.String()
}

func userPrompt(req Request) string {
	return fmt.Sprintf("step_id: %s\ndomanda: %s\nrisposta: %s\nRestituisci SOLO JSON.", req.StepID, req.Question, req.Transcript)
}
