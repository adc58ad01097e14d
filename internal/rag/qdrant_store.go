package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thingenious/eva-backend/internal/platform/logger"
)

const qdrantMaxErrorBody = 1024

var qdrantPointNamespace = uuid.MustParse("6f0c6f4e-9a55-49a2-8c43-1d2b7a6e0c11")

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	VectorDim  int
	HTTPClient *http.Client
}

// qdrantStore talks to a remote Qdrant instance over its HTTP API.
type qdrantStore struct {
	log     *logger.Logger
	cfg     QdrantConfig
	baseURL string
	http    *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

func NewQdrantStore(cfg QdrantConfig, log *logger.Logger) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("qdrant: logger required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("qdrant: url required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("qdrant: collection required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	s := &qdrantStore{
		log:     log.With("service", "QdrantStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		http:    httpClient,
	}
	if err := s.ensureCollection(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureCollection creates the collection when missing and checks the
// vector size when it exists.
func (s *qdrantStore) ensureCollection(ctx context.Context) error {
	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := s.doJSON(ctx, http.MethodGet, s.collectionPath(""), nil, &info)
	if err == nil {
		size := info.Config.Params.Vectors.Size
		if s.cfg.VectorDim > 0 && size != 0 && size != s.cfg.VectorDim {
			return fmt.Errorf("qdrant: collection %q vector size mismatch: expected=%d actual=%d",
				s.cfg.Collection, s.cfg.VectorDim, size)
		}
		return nil
	}
	if s.cfg.VectorDim <= 0 {
		return fmt.Errorf("qdrant: collection %q missing and vector dim unknown: %w", s.cfg.Collection, err)
	}
	req := map[string]any{
		"vectors": map[string]any{"size": s.cfg.VectorDim, "distance": "Cosine"},
	}
	if cErr := s.doJSON(ctx, http.MethodPut, s.collectionPath(""), req, nil); cErr != nil {
		return fmt.Errorf("qdrant: create collection: %w", cErr)
	}
	s.log.Info("qdrant collection created", "collection", s.cfg.Collection, "dim", s.cfg.VectorDim)
	return nil
}

func (s *qdrantStore) Upsert(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	points := make([]map[string]any, 0, len(vectors))
	for _, v := range vectors {
		if v.ID == "" || len(v.Values) == 0 {
			return fmt.Errorf("qdrant: vector id and values required")
		}
		if s.cfg.VectorDim > 0 && len(v.Values) != s.cfg.VectorDim {
			return fmt.Errorf("qdrant: vector %q dimension mismatch: expected=%d got=%d",
				v.ID, s.cfg.VectorDim, len(v.Values))
		}
		points = append(points, map[string]any{
			"id":     s.pointID(v.ID),
			"vector": v.Values,
			"payload": map[string]any{
				"chunk_id":    v.ID,
				"doc_id":      v.DocID,
				"chunk_index": v.ChunkIndex,
				"text":        v.Text,
				"source":      v.Source,
			},
		})
	}
	return s.doJSON(ctx, http.MethodPut, s.collectionPath("/points?wait=true"),
		map[string]any{"points": points}, nil)
}

type qdrantScoredPoint struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (s *qdrantStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("qdrant: query vector required")
	}
	if k <= 0 {
		k = 10
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}
	var raw []qdrantScoredPoint
	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &raw); err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(raw))
	for _, item := range raw {
		m := matchFromPayload(item.Payload)
		m.Score = item.Score
		if m.ChunkID == "" {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func matchFromPayload(payload map[string]any) Match {
	m := Match{}
	if v, ok := payload["chunk_id"].(string); ok {
		m.ChunkID = v
	}
	if v, ok := payload["doc_id"].(string); ok {
		m.DocID = v
	}
	if v, ok := payload["chunk_index"].(float64); ok {
		m.ChunkIndex = int(v)
	}
	if v, ok := payload["text"].(string); ok {
		m.Text = v
	}
	if v, ok := payload["source"].(string); ok {
		m.Source = v
	}
	return m
}

func (s *qdrantStore) DeleteByDocument(ctx context.Context, docID string) error {
	req := map[string]any{
		"filter": map[string]any{
			"must": []any{
				map[string]any{"key": "doc_id", "match": map[string]any{"value": docID}},
			},
		},
	}
	return s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

func (s *qdrantStore) ListDocuments(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var offset any
	for {
		req := map[string]any{
			"limit":        256,
			"with_payload": []string{"doc_id"},
			"with_vector":  false,
		}
		if offset != nil {
			req["offset"] = offset
		}
		var page struct {
			Points []struct {
				Payload map[string]any `json:"payload"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		}
		if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/scroll"), req, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			if id, ok := p.Payload["doc_id"].(string); ok && id != "" {
				seen[id] = struct{}{}
			}
		}
		if page.NextPageOffset == nil || len(page.Points) == 0 {
			break
		}
		offset = page.NextPageOffset
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *qdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fmt.Errorf("qdrant: encode request: %w", err)
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("qdrant: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*qdrantMaxErrorBody))
	if readErr != nil {
		return fmt.Errorf("qdrant: read response: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant: http status=%d body=%q", resp.StatusCode, truncateBody(raw))
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("qdrant: decode envelope: %w", err)
	}
	if statusErr := parseQdrantStatus(envelope.Status); statusErr != "" {
		return fmt.Errorf("qdrant: %s", statusErr)
	}
	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("qdrant: decode result: %w", err)
	}
	return nil
}

func parseQdrantStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("status=%q", statusString)
	}
	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil && strings.TrimSpace(statusObject.Error) != "" {
		return strings.TrimSpace(statusObject.Error)
	}
	return "status=" + status
}

func truncateBody(raw []byte) string {
	if len(raw) <= qdrantMaxErrorBody {
		return string(raw)
	}
	return string(raw[:qdrantMaxErrorBody]) + "..."
}

// pointID derives a stable UUID from the chunk id so re-ingesting a
// document overwrites its points instead of duplicating them.
func (s *qdrantStore) pointID(chunkID string) string {
	return uuid.NewSHA1(qdrantPointNamespace, []byte(chunkID)).String()
}

func (s *qdrantStore) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}
