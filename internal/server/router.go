package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/thingenious/eva-backend/internal/handlers"
	"github.com/thingenious/eva-backend/internal/middleware"
)

type RouterConfig struct {
	AppEnv         string
	TrustedOrigins []string

	WSHandler     gin.HandlerFunc
	AdminAuth     *middleware.AdminAuth
	Prompt        *handlers.PromptHandler
	Documents     *handlers.DocumentsHandler
	Conversations *handlers.ConversationsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.AppEnv == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.TrustedOrigins)))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/healthz", handlers.HealthCheck)

	// WebSocket auth happens inside the handler, where the refusal mode
	// depends on how the credential was transported.
	router.GET("/ws", cfg.WSHandler)

	router.GET("/admin", handlers.AdminPanel)
	admin := router.Group("/admin")
	admin.Use(cfg.AdminAuth.Require())
	{
		admin.GET("/prompt", cfg.Prompt.Get)
		admin.POST("/prompt", cfg.Prompt.Set)

		admin.GET("/documents", cfg.Documents.List)
		admin.POST("/documents", cfg.Documents.Upload)
		admin.DELETE("/documents/:name", cfg.Documents.Delete)
		admin.POST("/reload", cfg.Documents.Reload)

		admin.GET("/conversations", cfg.Conversations.List)
		admin.GET("/conversations/:id/download", cfg.Conversations.Download)
		admin.DELETE("/conversations/:id", cfg.Conversations.Delete)
	}

	return router
}

func corsConfig(trusted []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Requested-With"},
	}
	for _, o := range trusted {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowOrigins = nil
			return cfg
		}
	}
	cfg.AllowOrigins = trusted
	cfg.AllowCredentials = true
	return cfg
}
