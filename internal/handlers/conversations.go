package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/thingenious/eva-backend/internal/convstore"
	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ConversationStore is the slice of the conversation store the admin
// conversation handler needs.
type ConversationStore interface {
	Get(ctx context.Context, id uuid.UUID) (*types.Conversation, error)
	List(ctx context.Context, limit, offset int) (int64, []*types.Conversation, error)
	Delete(ctx context.Context, convID uuid.UUID) error
	Export(ctx context.Context, convID uuid.UUID) (*convstore.ConversationExport, error)
}

type ConversationsHandler struct {
	log   *logger.Logger
	store ConversationStore
}

func NewConversationsHandler(store ConversationStore, log *logger.Logger) *ConversationsHandler {
	return &ConversationsHandler{log: log.With("handler", "Conversations"), store: store}
}

func (h *ConversationsHandler) List(c *gin.Context) {
	limit := intQuery(c, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	total, items, err := h.store.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.log.Error("list conversations failed", "error", err.Error())
		respondInternal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "items": items})
}

func (h *ConversationsHandler) Download(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	export, err := h.store.Export(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, convstore.ErrNotFound) {
			respondDetail(c, http.StatusNotFound, "Conversation not found")
			return
		}
		h.log.Error("export conversation failed", "conversation_id", id.String(), "error", err.Error())
		respondInternal(c)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=conversation-%s.json", id))
	c.JSON(http.StatusOK, export)
}

func (h *ConversationsHandler) Delete(c *gin.Context) {
	id, ok := h.conversationID(c)
	if !ok {
		return
	}
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, convstore.ErrNotFound) {
			respondDetail(c, http.StatusNotFound, "Conversation not found")
			return
		}
		h.log.Error("conversation lookup failed", "conversation_id", id.String(), "error", err.Error())
		respondInternal(c)
		return
	}
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		h.log.Error("delete conversation failed", "conversation_id", id.String(), "error", err.Error())
		respondInternal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id.String()})
}

func (h *ConversationsHandler) conversationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondDetail(c, http.StatusNotFound, "Conversation not found")
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
