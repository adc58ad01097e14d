package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/thingenious/eva-backend/internal/platform/httpx"
	"github.com/thingenious/eva-backend/internal/platform/logger"
)

const DefaultModel = "gpt-4o-mini"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Client is the OpenAI chat + embeddings surface used by the gateway
// and the retrieval store.
type Client interface {
	StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta string)) (string, error)
	Complete(ctx context.Context, req ChatRequest) (string, error)
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	EmbedModel() string
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
	MaxRetries int
	Timeout    time.Duration
	HTTPClient *http.Client
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	maxRetries int
	httpClient *http.Client

	// Models that reject the temperature parameter, learned at runtime.
	noTempMu   sync.RWMutex
	noTempSeen map[string]bool
}

func NewClient(cfg Config, log *logger.Logger) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: missing API key")
	}
	if log == nil {
		return nil, fmt.Errorf("openai: logger required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	embedModel := strings.TrimSpace(cfg.EmbedModel)
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &client{
		log:        log.With("service", "OpenAIClient"),
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		embedModel: embedModel,
		maxRetries: maxRetries,
		httpClient: httpClient,
		noTempSeen: map[string]bool{},
	}, nil
}

func (c *client) EmbedModel() string { return c.embedModel }

type OperationError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("openai %s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *OperationError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) modelNoTemp(model string) bool {
	c.noTempMu.RLock()
	defer c.noTempMu.RUnlock()
	return c.noTempSeen[model]
}

func (c *client) noteNoTemp(model string) {
	c.noTempMu.Lock()
	c.noTempSeen[model] = true
	c.noTempMu.Unlock()
}

func isUnsupportedTemperature(body string) bool {
	msg := strings.ToLower(body)
	if !strings.Contains(msg, "temperature") {
		return false
	}
	return strings.Contains(msg, "unsupported") ||
		strings.Contains(msg, "does not support") ||
		strings.Contains(msg, "only the default")
}

func (c *client) doOnce(ctx context.Context, op, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &OperationError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) doJSON(ctx context.Context, op, path string, body, out any) error {
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, op, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("openai %s decode: %w", op, uErr)
			}
			return nil
		}
		if attempt == c.maxRetries || !httpx.IsRetryableError(err) {
			return err
		}
		sleepFor := httpx.Jitter(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("request retrying",
			"op", op,
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		if err := httpx.SleepCtx(ctx, sleepFor); err != nil {
			return err
		}
		backoff *= 2
	}
}

// -------------------- Chat completions --------------------

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *client) buildChatRequest(req ChatRequest, stream bool) chatCompletionsRequest {
	msgs := make([]ChatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Messages...)
	out := chatCompletionsRequest{
		Model:     c.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if req.Temperature > 0 && !c.modelNoTemp(c.model) {
		t := req.Temperature
		out.Temperature = &t
	}
	return out
}

func (c *client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	body := c.buildChatRequest(req, false)
	var resp chatCompletionsResponse
	err := c.doJSON(ctx, "chat", "/v1/chat/completions", body, &resp)
	if err != nil {
		var opErr *OperationError
		if body.Temperature != nil && errors.As(err, &opErr) && isUnsupportedTemperature(opErr.Body) {
			c.noteNoTemp(body.Model)
			body.Temperature = nil
			err = c.doJSON(ctx, "chat", "/v1/chat/completions", body, &resp)
		}
	}
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamChat streams delta tokens to onDelta and returns the full text.
// No retry happens once the stream is open.
func (c *client) StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta string)) (string, error) {
	body := c.buildChatRequest(req, true)

	resp, raw, err := c.openStream(ctx, body)
	if err != nil {
		var opErr *OperationError
		if body.Temperature != nil && errors.As(err, &opErr) && isUnsupportedTemperature(string(raw)) {
			c.noteNoTemp(body.Model)
			body.Temperature = nil
			resp, _, err = c.openStream(ctx, body)
		}
	}
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	err = streamSSE(resp.Body, func(_ string, data string) error {
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			return nil
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if chunk.Error != nil {
			return fmt.Errorf("openai stream error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if d := choice.Delta.Content; d != "" {
				full.WriteString(d)
				if onDelta != nil {
					onDelta(d)
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return full.String(), nil
}

func (c *client) openStream(ctx context.Context, body chatCompletionsRequest) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil, nil
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return nil, raw, &OperationError{Op: "stream", StatusCode: resp.StatusCode, Body: string(raw)}
}

// -------------------- Embeddings --------------------

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	req := embeddingsRequest{Model: c.embedModel, Input: clean}
	var resp embeddingsResponse
	if err := c.doJSON(ctx, "embed", "/v1/embeddings", req, &resp); err != nil {
		return nil, err
	}

	out := make([][]float32, len(clean))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("openai embed: missing index %d (requested=%d returned=%d)",
				i, len(clean), len(resp.Data))
		}
	}
	return out, nil
}
