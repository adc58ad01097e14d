package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thingenious/eva-backend/internal/platform/httpx"
	"github.com/thingenious/eva-backend/internal/platform/logger"
)

const (
	DefaultModel = "claude-3-5-sonnet-latest"
	apiVersion   = "2023-06-01"
)

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

type Client interface {
	StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta string)) (string, error)
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	Timeout    time.Duration
	HTTPClient *http.Client
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	httpClient *http.Client
}

func NewClient(cfg Config, log *logger.Logger) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic: missing API key")
	}
	if log == nil {
		return nil, fmt.Errorf("anthropic: logger required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
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
		log:        log.With("service", "AnthropicClient"),
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		maxRetries: maxRetries,
		httpClient: httpClient,
	}, nil
}

type OperationError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("anthropic %s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *OperationError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func (c *client) buildRequest(req ChatRequest, stream bool) messagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	out := messagesRequest{
		Model:     c.model,
		System:    req.System,
		Messages:  req.Messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	return out
}

func (c *client) newRequest(ctx context.Context, body messagesRequest, stream bool) (*http.Request, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	body := c.buildRequest(req, false)
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		httpReq, err := c.newRequest(ctx, body, false)
		if err != nil {
			return "", err
		}
		resp, err := c.httpClient.Do(httpReq)
		if err == nil {
			raw, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				err = readErr
			} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				err = &OperationError{Op: "messages", StatusCode: resp.StatusCode, Body: string(raw)}
			} else {
				var out messagesResponse
				if uErr := json.Unmarshal(raw, &out); uErr != nil {
					return "", fmt.Errorf("anthropic decode: %w", uErr)
				}
				var text strings.Builder
				for _, block := range out.Content {
					if block.Type == "text" {
						text.WriteString(block.Text)
					}
				}
				return text.String(), nil
			}
		}
		if attempt == c.maxRetries || !httpx.IsRetryableError(err) {
			return "", err
		}
		sleepFor := httpx.Jitter(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("request retrying",
			"op", "messages",
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		if sErr := httpx.SleepCtx(ctx, sleepFor); sErr != nil {
			return "", sErr
		}
		backoff *= 2
	}
}

// StreamChat streams text_delta events to onDelta and returns the full
// text. No retry once the stream is open.
func (c *client) StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta string)) (string, error) {
	body := c.buildRequest(req, true)
	httpReq, err := c.newRequest(ctx, body, true)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return "", &OperationError{Op: "stream", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	defer resp.Body.Close()

	var full strings.Builder
	err = streamSSE(resp.Body, func(event string, data string) error {
		data = strings.TrimSpace(data)
		if data == "" {
			return nil
		}
		var chunk struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		kind := chunk.Type
		if kind == "" {
			kind = event
		}
		switch kind {
		case "error":
			msg := "stream error"
			if chunk.Error != nil {
				msg = chunk.Error.Message
			}
			return fmt.Errorf("anthropic stream error: %s", msg)
		case "content_block_delta":
			if chunk.Delta.Type == "text_delta" && chunk.Delta.Text != "" {
				full.WriteString(chunk.Delta.Text)
				if onDelta != nil {
					onDelta(chunk.Delta.Text)
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
