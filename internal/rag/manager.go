package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/thingenious/eva-backend/internal/llm"
	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/rag/extract"
)

const ingestConcurrency = 4

type ManagerConfig struct {
	DocsFolder   string
	DataDir      string
	ChunkSize    int
	ChunkOverlap int
	TopK         int
	ScoreFloor   float64
}

// Passage is a retrieved context snippet with its attribution.
type Passage struct {
	Text       string
	Source     string
	DocID      string
	ChunkIndex int
	Score      float64
}

// DocumentInfo describes one indexed document.
type DocumentInfo struct {
	Name   string
	Chunks int
}

// ReloadStats counts the manifest changes one reload applied.
type ReloadStats struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

type manifestEntry struct {
	SHA    string `json:"sha"`
	Chunks int    `json:"chunks"`
}

// Manager owns the document corpus: it scans the docs folder, chunks
// and embeds files, keeps the vector index in sync, and answers
// similarity queries. Mutations are serialised; queries read the
// committed index concurrently.
type Manager struct {
	log      *logger.Logger
	cfg      ManagerConfig
	store    VectorStore
	embedder llm.Embedder
	cache    *EmbedCache

	manifestMu sync.Mutex
	manifest   map[string]manifestEntry

	relMu     sync.Mutex
	reloading bool
	pending   bool
	relDone   chan struct{}
	relStats  ReloadStats
	relErr    error
}

func NewManager(cfg ManagerConfig, store VectorStore, embedder llm.Embedder, cache *EmbedCache, log *logger.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("rag: vector store required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder required")
	}
	if log == nil {
		return nil, fmt.Errorf("rag: logger required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("rag: create data dir: %w", err)
	}
	m := &Manager{
		log:      log.With("service", "RagManager"),
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		cache:    cache,
		manifest: map[string]manifestEntry{},
	}
	if err := m.loadManifest(); err != nil {
		return nil, err
	}
	if err := m.checkIndexMeta(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

type indexMeta struct {
	EmbedModel string `json:"embed_model"`
	Dim        int    `json:"dim"`
}

func (m *Manager) metaPath() string     { return filepath.Join(m.cfg.DataDir, "index-meta.json") }
func (m *Manager) manifestPath() string { return filepath.Join(m.cfg.DataDir, "manifest.json") }

// checkIndexMeta wipes the index when it was built with a different
// embedding model, since vectors from different models do not compare.
func (m *Manager) checkIndexMeta(ctx context.Context) error {
	raw, err := os.ReadFile(m.metaPath())
	if os.IsNotExist(err) {
		return m.writeIndexMeta(0)
	}
	if err != nil {
		return fmt.Errorf("rag: read index meta: %w", err)
	}
	var meta indexMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("rag: parse index meta: %w", err)
	}
	if meta.EmbedModel == m.embedder.EmbedModel() {
		return nil
	}
	m.log.Warn("embedding model changed, rebuilding index",
		"indexed_model", meta.EmbedModel,
		"current_model", m.embedder.EmbedModel(),
	)
	docs, err := m.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("rag: list documents for rebuild: %w", err)
	}
	for _, docID := range docs {
		if err := m.store.DeleteByDocument(ctx, docID); err != nil {
			return err
		}
	}
	m.manifestMu.Lock()
	m.manifest = map[string]manifestEntry{}
	m.manifestMu.Unlock()
	if err := m.saveManifest(); err != nil {
		return err
	}
	return m.writeIndexMeta(0)
}

func (m *Manager) writeIndexMeta(dim int) error {
	raw, err := json.Marshal(indexMeta{EmbedModel: m.embedder.EmbedModel(), Dim: dim})
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.metaPath(), raw, 0o640); err != nil {
		return fmt.Errorf("rag: write index meta: %w", err)
	}
	return nil
}

func (m *Manager) loadManifest() error {
	raw, err := os.ReadFile(m.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rag: read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m.manifest); err != nil {
		return fmt.Errorf("rag: parse manifest: %w", err)
	}
	return nil
}

func (m *Manager) saveManifest() error {
	m.manifestMu.Lock()
	raw, err := json.MarshalIndent(m.manifest, "", "  ")
	m.manifestMu.Unlock()
	if err != nil {
		return err
	}
	tmp := m.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("rag: write manifest: %w", err)
	}
	return os.Rename(tmp, m.manifestPath())
}

// Documents returns the indexed documents sorted by name.
func (m *Manager) Documents() []DocumentInfo {
	m.manifestMu.Lock()
	defer m.manifestMu.Unlock()
	out := make([]DocumentInfo, 0, len(m.manifest))
	for id, entry := range m.manifest {
		out = append(out, DocumentInfo{Name: id, Chunks: entry.Chunks})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload diffs the docs folder against the index and applies the
// changes. A Reload arriving while one runs coalesces into a single
// follow-up run; the caller waits for the whole pass to finish and
// gets its result.
func (m *Manager) Reload(ctx context.Context) (ReloadStats, error) {
	m.relMu.Lock()
	if m.reloading {
		m.pending = true
		done := m.relDone
		m.relMu.Unlock()
		select {
		case <-done:
			m.relMu.Lock()
			stats, err := m.relStats, m.relErr
			m.relMu.Unlock()
			return stats, err
		case <-ctx.Done():
			return ReloadStats{}, ctx.Err()
		}
	}
	m.reloading = true
	m.relDone = make(chan struct{})
	m.relMu.Unlock()

	var stats ReloadStats
	var err error
	for {
		stats, err = m.reloadOnce(ctx)
		m.relMu.Lock()
		if !m.pending {
			m.reloading = false
			m.relStats, m.relErr = stats, err
			close(m.relDone)
			m.relMu.Unlock()
			return stats, err
		}
		m.pending = false
		m.relMu.Unlock()
	}
}

func (m *Manager) reloadOnce(ctx context.Context) (ReloadStats, error) {
	var stats ReloadStats
	onDisk, err := m.scanFolder()
	if err != nil {
		return stats, err
	}

	m.manifestMu.Lock()
	indexed := make(map[string]manifestEntry, len(m.manifest))
	for k, v := range m.manifest {
		indexed[k] = v
	}
	m.manifestMu.Unlock()

	var toIngest []string
	for docID, sha := range onDisk {
		entry, known := indexed[docID]
		switch {
		case !known:
			stats.Added++
			toIngest = append(toIngest, docID)
		case entry.SHA != sha:
			stats.Updated++
			toIngest = append(toIngest, docID)
		default:
			stats.Unchanged++
		}
	}
	var toDelete []string
	for docID := range indexed {
		if _, ok := onDisk[docID]; !ok {
			toDelete = append(toDelete, docID)
		}
	}
	stats.Removed = len(toDelete)
	sort.Strings(toIngest)
	sort.Strings(toDelete)

	for _, docID := range toDelete {
		if err := m.store.DeleteByDocument(ctx, docID); err != nil {
			return stats, err
		}
		m.manifestMu.Lock()
		delete(m.manifest, docID)
		m.manifestMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)
	for _, docID := range toIngest {
		docID := docID
		g.Go(func() error {
			if err := m.ingestDocument(gctx, docID, onDisk[docID]); err != nil {
				return fmt.Errorf("rag: ingest %s: %w", docID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = m.saveManifest()
		return stats, err
	}

	if len(toIngest) > 0 || len(toDelete) > 0 {
		m.log.Info("corpus reloaded",
			"ingested", len(toIngest),
			"deleted", len(toDelete),
			"total", len(onDisk),
		)
	}
	return stats, m.saveManifest()
}

// scanFolder walks the docs folder collecting supported files and
// their content hashes. DocID is the slash path relative to the folder.
func (m *Manager) scanFolder() (map[string]string, error) {
	out := map[string]string{}
	root := m.cfg.DocsFolder
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rag: stat docs folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rag: docs folder %q is not a directory", root)
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !extract.Supported(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		out[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rag: scan docs folder: %w", err)
	}
	return out, nil
}

func (m *Manager) ingestDocument(ctx context.Context, docID, sha string) error {
	path := filepath.Join(m.cfg.DocsFolder, filepath.FromSlash(docID))
	text, err := extract.FromFile(path)
	if err != nil {
		return err
	}
	chunks := splitChunks(text, m.cfg.ChunkSize, m.cfg.ChunkOverlap)

	// Changed documents may shrink, so stale chunks go first.
	if err := m.store.DeleteByDocument(ctx, docID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		m.manifestMu.Lock()
		m.manifest[docID] = manifestEntry{SHA: sha}
		m.manifestMu.Unlock()
		return nil
	}

	embeddings, err := m.embedTexts(ctx, chunks)
	if err != nil {
		return err
	}
	vectors := make([]Vector, 0, len(chunks))
	for i, chunk := range chunks {
		vectors = append(vectors, Vector{
			ID:         docID + "#" + strconv.Itoa(i),
			Values:     embeddings[i],
			DocID:      docID,
			ChunkIndex: i,
			Text:       chunk,
			Source:     filepath.Base(docID),
		})
	}
	if err := m.store.Upsert(ctx, vectors); err != nil {
		return err
	}
	if len(embeddings) > 0 {
		_ = m.writeIndexMeta(len(embeddings[0]))
	}
	m.manifestMu.Lock()
	m.manifest[docID] = manifestEntry{SHA: sha, Chunks: len(chunks)}
	m.manifestMu.Unlock()
	return nil
}

// embedTexts resolves embeddings through the cache where possible and
// batches the misses into one embedder call.
func (m *Manager) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	model := m.embedder.EmbedModel()
	out := make([][]float32, len(texts))
	var misses []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := m.cache.Get(ctx, model, text); ok {
			out[i] = vec
			continue
		}
		misses = append(misses, text)
		missIdx = append(missIdx, i)
	}
	if len(misses) == 0 {
		return out, nil
	}
	embedded, err := m.embedder.Embed(ctx, misses)
	if err != nil {
		return nil, err
	}
	if len(embedded) != len(misses) {
		return nil, fmt.Errorf("rag: embedder returned %d vectors for %d inputs", len(embedded), len(misses))
	}
	for j, i := range missIdx {
		out[i] = embedded[j]
		m.cache.Put(ctx, model, misses[j], embedded[j])
	}
	return out, nil
}

// Query embeds the text and returns the passages above the score
// floor, ordered by score, then document id, then chunk index.
func (m *Manager) Query(ctx context.Context, text string) ([]Passage, error) {
	k := m.cfg.TopK
	if k <= 0 {
		k = 4
	}
	embeddings, err := m.embedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	matches, err := m.store.Query(ctx, embeddings[0], k)
	if err != nil {
		return nil, err
	}
	out := make([]Passage, 0, len(matches))
	for _, match := range matches {
		if match.Score < m.cfg.ScoreFloor {
			continue
		}
		out = append(out, Passage{
			Text:       match.Text,
			Source:     match.Source,
			DocID:      match.DocID,
			ChunkIndex: match.ChunkIndex,
			Score:      match.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DocID != out[j].DocID {
			return out[i].DocID < out[j].DocID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}
