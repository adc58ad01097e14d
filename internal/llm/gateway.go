package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/thingenious/eva-backend/internal/platform/anthropic"
	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/platform/openai"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role    string
	Content string
}

// Request is a provider-neutral chat request. System travels separately
// from Messages so the Anthropic top-level system field works unchanged.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Streamer generates assistant text, pushing deltas as they arrive.
type Streamer interface {
	StreamChat(ctx context.Context, req Request, onDelta func(delta string)) (string, error)
	Complete(ctx context.Context, req Request) (string, error)
}

// Embedder turns texts into vectors. Only the OpenAI provider embeds;
// the retrieval store takes this interface directly.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	EmbedModel() string
}

type Config struct {
	Provider        string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	Model           string
	EmbedModel      string
}

type Gateway struct {
	Streamer Streamer
	Embedder Embedder
	Provider string
}

type openaiStreamer struct{ c openai.Client }

func (s openaiStreamer) StreamChat(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	return s.c.StreamChat(ctx, toOpenAI(req), onDelta)
}

func (s openaiStreamer) Complete(ctx context.Context, req Request) (string, error) {
	return s.c.Complete(ctx, toOpenAI(req))
}

func toOpenAI(req Request) openai.ChatRequest {
	msgs := make([]openai.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatRequest{
		System:      req.System,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

type anthropicStreamer struct{ c anthropic.Client }

func (s anthropicStreamer) StreamChat(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	return s.c.StreamChat(ctx, toAnthropic(req), onDelta)
}

func (s anthropicStreamer) Complete(ctx context.Context, req Request) (string, error) {
	return s.c.Complete(ctx, toAnthropic(req))
}

func toAnthropic(req Request) anthropic.ChatRequest {
	msgs := make([]anthropic.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, anthropic.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return anthropic.ChatRequest{
		System:      req.System,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// NewGateway builds the chat streamer for the configured provider. The
// embedder is always OpenAI-backed when an OpenAI key is present, even
// when Anthropic handles chat, since Anthropic has no embeddings API.
func NewGateway(cfg Config, log *logger.Logger) (*Gateway, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}

	var embedder Embedder
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oc, err := openai.NewClient(openai.Config{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.Model,
			EmbedModel: cfg.EmbedModel,
		}, log)
		if err != nil {
			return nil, err
		}
		embedder = oc
		if provider == ProviderOpenAI {
			return &Gateway{Streamer: openaiStreamer{c: oc}, Embedder: embedder, Provider: provider}, nil
		}
	}

	switch provider {
	case ProviderOpenAI:
		return nil, fmt.Errorf("llm: provider openai requires OPENAI_API_KEY")
	case ProviderAnthropic:
		ac, err := anthropic.NewClient(anthropic.Config{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.Model,
		}, log)
		if err != nil {
			return nil, err
		}
		return &Gateway{Streamer: anthropicStreamer{c: ac}, Embedder: embedder, Provider: provider}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}
