package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/thingenious/eva-backend/internal/platform/logger"
)

// PromptStore is the slice of the conversation store the prompt
// handler needs.
type PromptStore interface {
	SystemPrompt(ctx context.Context) string
	SetSystemPrompt(ctx context.Context, prompt string) error
}

type PromptHandler struct {
	log   *logger.Logger
	store PromptStore
}

func NewPromptHandler(store PromptStore, log *logger.Logger) *PromptHandler {
	return &PromptHandler{log: log.With("handler", "Prompt"), store: store}
}

func (h *PromptHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prompt": h.store.SystemPrompt(c.Request.Context())})
}

// Set swaps the live system prompt. The new prompt takes effect on the
// next turn; in-flight turns keep the prompt they started with.
func (h *PromptHandler) Set(c *gin.Context) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondDetail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		respondDetail(c, http.StatusBadRequest, "Prompt must not be empty")
		return
	}
	if err := h.store.SetSystemPrompt(c.Request.Context(), body.Prompt); err != nil {
		h.log.Error("set prompt failed", "error", err.Error())
		respondInternal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompt": body.Prompt})
}
