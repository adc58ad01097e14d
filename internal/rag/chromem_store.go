package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/thingenious/eva-backend/internal/platform/logger"
)

const chromemCollection = "eva_chunks"

// chromemStore is the embedded persistent backend. All embeddings are
// computed upstream, so the collection's embedding func must never run.
type chromemStore struct {
	log     *logger.Logger
	mu      sync.Mutex
	db      *chromem.DB
	col     *chromem.Collection
	dataDir string
	// docID -> chunk ids, persisted so documents can be listed and
	// deleted without an index scan.
	docs map[string][]string
}

func NewChromemStore(dataDir string, log *logger.Logger) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("chromem: logger required")
	}
	dir := filepath.Join(dataDir, "vectorstore")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("chromem: create data dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("chromem: open: %w", err)
	}
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("chromem: embeddings are computed upstream")
	}
	col, err := db.GetOrCreateCollection(chromemCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("chromem: collection: %w", err)
	}
	s := &chromemStore{
		log:     log.With("service", "ChromemStore"),
		db:      db,
		col:     col,
		dataDir: dataDir,
		docs:    map[string][]string{},
	}
	if err := s.loadRegistry(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *chromemStore) registryPath() string {
	return filepath.Join(s.dataDir, "docs.json")
}

func (s *chromemStore) loadRegistry() error {
	raw, err := os.ReadFile(s.registryPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("chromem: read registry: %w", err)
	}
	if err := json.Unmarshal(raw, &s.docs); err != nil {
		return fmt.Errorf("chromem: parse registry: %w", err)
	}
	return nil
}

func (s *chromemStore) saveRegistry() error {
	raw, err := json.MarshalIndent(s.docs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("chromem: write registry: %w", err)
	}
	return os.Rename(tmp, s.registryPath())
}

func (s *chromemStore) Upsert(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]chromem.Document, 0, len(vectors))
	for _, v := range vectors {
		if v.ID == "" || len(v.Values) == 0 {
			return fmt.Errorf("chromem: vector id and values required")
		}
		docs = append(docs, chromem.Document{
			ID:        v.ID,
			Content:   v.Text,
			Embedding: v.Values,
			Metadata: map[string]string{
				"doc_id":      v.DocID,
				"chunk_index": strconv.Itoa(v.ChunkIndex),
				"source":      v.Source,
			},
		})
	}
	if err := s.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("chromem: upsert: %w", err)
	}
	for _, v := range vectors {
		s.docs[v.DocID] = append(s.docs[v.DocID], v.ID)
	}
	return s.saveRegistry()
}

func (s *chromemStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	if k <= 0 {
		k = 1
	}

	// chromem occasionally rejects nResults near the document count.
	// Step down until the query goes through.
	var (
		results []chromem.Result
		err     error
	)
	for attemptK := k; attemptK > 0; attemptK-- {
		results, err = s.col.QueryEmbedding(ctx, vector, attemptK, nil, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		idx, _ := strconv.Atoi(r.Metadata["chunk_index"])
		out = append(out, Match{
			ChunkID:    r.ID,
			DocID:      r.Metadata["doc_id"],
			ChunkIndex: idx,
			Text:       r.Content,
			Source:     r.Metadata["source"],
			Score:      float64(r.Similarity),
		})
	}
	return out, nil
}

func (s *chromemStore) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[docID]; !ok {
		return nil
	}
	if err := s.col.Delete(ctx, map[string]string{"doc_id": docID}, nil); err != nil {
		return fmt.Errorf("chromem: delete doc %s: %w", docID, err)
	}
	delete(s.docs, docID)
	return s.saveRegistry()
}

func (s *chromemStore) ListDocuments(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
