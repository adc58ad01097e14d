package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/thingenious/eva-backend/internal/convstore"
	"github.com/thingenious/eva-backend/internal/db"
	"github.com/thingenious/eva-backend/internal/engine"
	"github.com/thingenious/eva-backend/internal/handlers"
	"github.com/thingenious/eva-backend/internal/llm"
	"github.com/thingenious/eva-backend/internal/middleware"
	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/rag"
	"github.com/thingenious/eva-backend/internal/repos"
	"github.com/thingenious/eva-backend/internal/server"
	"github.com/thingenious/eva-backend/internal/ws"
)

// App is the composition root. Everything is wired once in New and
// frozen afterwards.
type App struct {
	Cfg    *Config
	Log    *logger.Logger
	Router *gin.Engine
	Hub    *ws.Hub
	Engine *engine.Engine
	Rag    *rag.Manager
	Store  convstore.Store
}

func New(cfg *Config, log *logger.Logger) (*App, error) {
	dbService, err := db.New(cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("app: migrate: %w", err)
	}
	gdb := dbService.DB()

	prompts := llm.DefaultPrompts()
	if cfg.PromptsFile != "" {
		prompts, err = llm.LoadPrompts(cfg.PromptsFile)
		if err != nil {
			return nil, err
		}
	}

	store := convstore.New(
		repos.NewConversationRepo(gdb, log),
		repos.NewMessageRepo(gdb, log),
		repos.NewSummaryRepo(gdb, log),
		repos.NewSettingRepo(gdb, log),
		prompts.System,
		log,
	)

	gateway, err := llm.NewGateway(llm.Config{
		Provider:        cfg.LLMProvider,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		Model:           cfg.LLMModel,
		EmbedModel:      cfg.EmbeddingModel,
	}, log)
	if err != nil {
		return nil, err
	}

	ragManager, err := buildRagManager(cfg, gateway.Embedder, log)
	if err != nil {
		return nil, err
	}

	var retriever engine.Retriever
	if ragManager != nil {
		retriever = ragManager
	}
	eng, err := engine.New(engine.Config{
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		SummaryThreshold:   cfg.SummaryThreshold,
		SummaryKeepTail:    cfg.SummaryKeepTail,
		MaxTokens:          cfg.LLMMaxTokens,
		Temperature:        cfg.LLMTemperature,
		TurnTimeout:        cfg.LLMTimeout,
	}, store, gateway.Streamer, prompts, retriever, log)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(log)
	wsHandler := ws.Handler(ws.Config{
		ChatAPIKey:      cfg.ChatAPIKey,
		TrustedOrigins:  cfg.TrustedOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		QueueSize:       cfg.WSQueueSize,
	}, store, eng, hub, log)

	router := server.NewRouter(server.RouterConfig{
		AppEnv:         cfg.AppEnv,
		TrustedOrigins: cfg.TrustedOrigins,
		WSHandler:      wsHandler,
		AdminAuth:      middleware.NewAdminAuth(cfg.AdminAPIKey, log),
		Prompt:         handlers.NewPromptHandler(store, log),
		Documents:      handlers.NewDocumentsHandler(docIndex(ragManager), cfg.RAGDocsFolder, log),
		Conversations:  handlers.NewConversationsHandler(store, log),
	})

	return &App{
		Cfg:    cfg,
		Log:    log,
		Router: router,
		Hub:    hub,
		Engine: eng,
		Rag:    ragManager,
		Store:  store,
	}, nil
}

// Start performs the startup work that can touch the network: the
// initial corpus sync.
func (a *App) Start(ctx context.Context) error {
	if a.Rag == nil {
		return nil
	}
	stats, err := a.Rag.Reload(ctx)
	if err != nil {
		return fmt.Errorf("app: initial corpus load: %w", err)
	}
	a.Log.Info("corpus ready",
		"added", stats.Added,
		"updated", stats.Updated,
		"removed", stats.Removed,
		"unchanged", stats.Unchanged,
	)
	return nil
}

// docIndex keeps a nil manager out of the interface value.
func docIndex(m *rag.Manager) handlers.DocumentIndex {
	if m == nil {
		return nil
	}
	return m
}

func buildRagManager(cfg *Config, embedder llm.Embedder, log *logger.Logger) (*rag.Manager, error) {
	if embedder == nil {
		log.Warn("no embedder available, retrieval disabled")
		return nil, nil
	}

	var store rag.VectorStore
	var err error
	switch cfg.RAGBackend {
	case "qdrant":
		store, err = rag.NewQdrantStore(rag.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantColl,
			VectorDim:  cfg.QdrantVectorDim,
		}, log)
	default:
		store, err = rag.NewChromemStore(cfg.RAGDataDir, log)
	}
	if err != nil {
		return nil, err
	}

	var cache *rag.EmbedCache
	if cfg.RedisURL != "" {
		cache, err = rag.NewEmbedCache(cfg.RedisURL, log)
		if err != nil {
			// The cache is an accelerator; an unreachable Redis must
			// not block startup.
			log.Warn("embed cache unavailable", "error", err.Error())
			cache = nil
		}
	}

	return rag.NewManager(rag.ManagerConfig{
		DocsFolder:   cfg.RAGDocsFolder,
		DataDir:      cfg.RAGDataDir,
		ChunkSize:    cfg.RAGChunkSize,
		ChunkOverlap: cfg.RAGChunkOverlap,
		TopK:         cfg.RAGTopK,
		ScoreFloor:   cfg.RAGScoreFloor,
	}, store, embedder, cache, log)
}
