package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/thingenious/eva-backend/internal/platform/envutil"
)

// Config is loaded once at startup and never mutated afterwards.
type Config struct {
	Host string
	Port int

	ChatAPIKey  string
	AdminAPIKey string

	LLMProvider     string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	LLMModel        string
	LLMMaxTokens    int
	LLMTemperature  float64
	LLMTimeout      time.Duration
	EmbeddingModel  string

	MaxHistoryMessages int
	SummaryThreshold   int
	SummaryKeepTail    int

	DatabaseURL string

	RAGDocsFolder   string
	RAGBackend      string
	RAGDataDir      string
	RAGChunkSize    int
	RAGChunkOverlap int
	RAGTopK         int
	RAGScoreFloor   float64
	QdrantURL       string
	QdrantAPIKey    string
	QdrantColl      string
	QdrantVectorDim int
	RedisURL        string

	TrustedOrigins  []string
	MaxMessageBytes int64
	WSQueueSize     int
	ShutdownGrace   time.Duration

	PromptsFile string
	LogLevel    string
	AppEnv      string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Host: envutil.Str("HOST", "0.0.0.0"),
		Port: envutil.Int("PORT", 8000),

		ChatAPIKey:  envutil.Str("CHAT_API_KEY", ""),
		AdminAPIKey: envutil.Str("ADMIN_API_KEY", ""),

		LLMProvider:     strings.ToLower(envutil.Str("LLM_PROVIDER", "openai")),
		OpenAIAPIKey:    envutil.Str("OPENAI_API_KEY", ""),
		AnthropicAPIKey: envutil.Str("ANTHROPIC_API_KEY", ""),
		LLMModel:        envutil.Str("LLM_MODEL", ""),
		LLMMaxTokens:    envutil.Int("LLM_MAX_TOKENS", 4096),
		LLMTemperature:  envutil.Float("LLM_TEMPERATURE", 0.7),
		LLMTimeout:      envutil.Dur("LLM_TIMEOUT", 60*time.Second),
		EmbeddingModel:  envutil.Str("EMBEDDING_MODEL", "text-embedding-3-small"),

		MaxHistoryMessages: envutil.Int("MAX_HISTORY_MESSAGES", 50),
		SummaryThreshold:   envutil.Int("SUMMARY_THRESHOLD", 30),
		SummaryKeepTail:    envutil.Int("SUMMARY_KEEP_TAIL", 10),

		DatabaseURL: envutil.Str("DATABASE_URL", "sqlite://chat.db"),

		RAGDocsFolder:   envutil.Str("RAG_DOCS_FOLDER", "documents"),
		RAGBackend:      strings.ToLower(envutil.Str("RAG_BACKEND", "chromem")),
		RAGDataDir:      envutil.Str("RAG_DATA_DIR", "rag-data"),
		RAGChunkSize:    envutil.Int("RAG_CHUNK_SIZE", 500),
		RAGChunkOverlap: envutil.Int("RAG_CHUNK_OVERLAP", 50),
		RAGTopK:         envutil.Int("RAG_TOP_K", 4),
		RAGScoreFloor:   envutil.Float("RAG_SCORE_FLOOR", 0.0),
		QdrantURL:       envutil.Str("QDRANT_URL", ""),
		QdrantAPIKey:    envutil.Str("QDRANT_API_KEY", ""),
		QdrantColl:      envutil.Str("QDRANT_COLLECTION", "eva-documents"),
		QdrantVectorDim: envutil.Int("QDRANT_VECTOR_DIM", 1536),
		RedisURL:        envutil.Str("REDIS_URL", ""),

		TrustedOrigins:  splitCSV(envutil.Str("TRUSTED_ORIGINS", "*")),
		MaxMessageBytes: envutil.Int64("MAX_MESSAGE_BYTES", 65536),
		WSQueueSize:     envutil.Int("WS_QUEUE_SIZE", 32),
		ShutdownGrace:   envutil.Dur("SHUTDOWN_GRACE", 10*time.Second),

		PromptsFile: envutil.Str("PROMPTS_FILE", ""),
		LogLevel:    envutil.Str("LOG_LEVEL", "info"),
		AppEnv:      envutil.Str("APP_ENV", "prod"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ChatAPIKey == "" {
		return fmt.Errorf("config: CHAT_API_KEY is required")
	}
	if c.AdminAPIKey == "" {
		return fmt.Errorf("config: ADMIN_API_KEY is required")
	}
	switch c.LLMProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("config: ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
		}
	default:
		return fmt.Errorf("config: unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.RAGBackend {
	case "chromem":
	case "qdrant":
		if c.QdrantURL == "" {
			return fmt.Errorf("config: QDRANT_URL is required when RAG_BACKEND=qdrant")
		}
	default:
		return fmt.Errorf("config: unknown RAG_BACKEND %q", c.RAGBackend)
	}
	if c.SummaryKeepTail >= c.SummaryThreshold {
		return fmt.Errorf("config: SUMMARY_KEEP_TAIL (%d) must be below SUMMARY_THRESHOLD (%d)",
			c.SummaryKeepTail, c.SummaryThreshold)
	}
	if c.RAGChunkOverlap >= c.RAGChunkSize {
		return fmt.Errorf("config: RAG_CHUNK_OVERLAP (%d) must be below RAG_CHUNK_SIZE (%d)",
			c.RAGChunkOverlap, c.RAGChunkSize)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
