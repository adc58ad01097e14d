package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/rag"
	"github.com/thingenious/eva-backend/internal/rag/extract"
)

// DocumentIndex is the slice of the retrieval manager the documents
// handler needs.
type DocumentIndex interface {
	Documents() []rag.DocumentInfo
	Reload(ctx context.Context) (rag.ReloadStats, error)
}

type DocumentsHandler struct {
	log        *logger.Logger
	index      DocumentIndex
	docsFolder string
}

func NewDocumentsHandler(index DocumentIndex, docsFolder string, log *logger.Logger) *DocumentsHandler {
	return &DocumentsHandler{
		log:        log.With("handler", "Documents"),
		index:      index,
		docsFolder: docsFolder,
	}
}

type documentItem struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Chunks int    `json:"chunks"`
}

// available guards the endpoints when retrieval is disabled (no
// embedder configured).
func (h *DocumentsHandler) available(c *gin.Context) bool {
	if h.index == nil {
		respondDetail(c, http.StatusServiceUnavailable, "Retrieval is not configured")
		return false
	}
	return true
}

func (h *DocumentsHandler) List(c *gin.Context) {
	if !h.available(c) {
		return
	}
	docs := h.index.Documents()
	items := make([]documentItem, 0, len(docs))
	for _, doc := range docs {
		item := documentItem{Name: doc.Name, Chunks: doc.Chunks}
		if info, err := os.Stat(filepath.Join(h.docsFolder, filepath.FromSlash(doc.Name))); err == nil {
			item.Size = info.Size()
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"documents": items})
}

// Upload saves the file into the docs folder and ingests it before
// answering, so the reply can carry the chunk count.
func (h *DocumentsHandler) Upload(c *gin.Context) {
	if !h.available(c) {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		respondDetail(c, http.StatusBadRequest, "Missing file field")
		return
	}
	name := filepath.Base(filepath.Clean(file.Filename))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		respondDetail(c, http.StatusBadRequest, "Invalid file name")
		return
	}
	if !extract.Supported(name) {
		respondDetail(c, http.StatusBadRequest, "Unsupported file type")
		return
	}
	if err := os.MkdirAll(h.docsFolder, 0o750); err != nil {
		h.log.Error("create docs folder failed", "error", err.Error())
		respondInternal(c)
		return
	}
	if err := c.SaveUploadedFile(file, filepath.Join(h.docsFolder, name)); err != nil {
		h.log.Error("save upload failed", "name", name, "error", err.Error())
		respondInternal(c)
		return
	}
	if _, err := h.index.Reload(c.Request.Context()); err != nil {
		h.log.Error("ingest after upload failed", "name", name, "error", err.Error())
		respondInternal(c)
		return
	}
	chunks := 0
	for _, doc := range h.index.Documents() {
		if doc.Name == name {
			chunks = doc.Chunks
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "chunks": chunks})
}

func (h *DocumentsHandler) Delete(c *gin.Context) {
	if !h.available(c) {
		return
	}
	name := c.Param("name")
	if name != filepath.Base(name) || strings.Contains(name, "..") {
		respondDetail(c, http.StatusNotFound, "Document not found")
		return
	}
	path := filepath.Join(h.docsFolder, name)
	if _, err := os.Stat(path); err != nil {
		respondDetail(c, http.StatusNotFound, "Document not found")
		return
	}
	if err := os.Remove(path); err != nil {
		h.log.Error("remove document failed", "name", name, "error", err.Error())
		respondInternal(c)
		return
	}
	if _, err := h.index.Reload(c.Request.Context()); err != nil {
		h.log.Error("purge after delete failed", "name", name, "error", err.Error())
		respondInternal(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

func (h *DocumentsHandler) Reload(c *gin.Context) {
	if !h.available(c) {
		return
	}
	stats, err := h.index.Reload(c.Request.Context())
	if err != nil {
		h.log.Error("reload failed", "error", err.Error())
		respondInternal(c)
		return
	}
	c.JSON(http.StatusOK, stats)
}
