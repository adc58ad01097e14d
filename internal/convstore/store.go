package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/repos"
	"github.com/thingenious/eva-backend/internal/types"
)

var (
	ErrNotFound          = repos.ErrNotFound
	ErrSummaryRegression = repos.ErrSummaryRegression
)

// Store is the durable conversation surface shared by sessions, the
// engine, and the admin handlers. Appends to the same conversation are
// serialised by an in-process keyed lock; different conversations
// proceed in parallel.
type Store interface {
	CreateConversation(ctx context.Context) (*types.Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Conversation, error)
	AppendMessage(ctx context.Context, convID uuid.UUID, role, content string, opts ...AppendOption) (*types.Message, error)
	LoadWindow(ctx context.Context, convID uuid.UUID, n int) ([]*types.Message, error)
	LoadRange(ctx context.Context, convID uuid.UUID, fromSeq, toSeq int64) ([]*types.Message, error)
	MaxSeq(ctx context.Context, convID uuid.UUID) (int64, error)
	GetSummary(ctx context.Context, convID uuid.UUID) (*types.Summary, error)
	UpdateSummary(ctx context.Context, convID uuid.UUID, content string, coveredUpTo int64) error
	List(ctx context.Context, limit, offset int) (int64, []*types.Conversation, error)
	Delete(ctx context.Context, convID uuid.UUID) error
	Export(ctx context.Context, convID uuid.UUID) (*ConversationExport, error)

	SystemPrompt(ctx context.Context) string
	SetSystemPrompt(ctx context.Context, prompt string) error
}

type AppendOption func(*types.Message)

func WithEmotion(emotion string) AppendOption {
	return func(m *types.Message) { m.Emotion = &emotion }
}

func WithChunkID(id uuid.UUID) AppendOption {
	return func(m *types.Message) { m.ChunkID = &id }
}

func WithSources(sources []string) AppendOption {
	return func(m *types.Message) {
		if len(sources) == 0 {
			sources = []string{}
		}
		raw, err := json.Marshal(sources)
		if err != nil {
			return
		}
		m.Sources = datatypes.JSON(raw)
	}
}

type ConversationExport struct {
	Conversation *types.Conversation `json:"conversation"`
	Messages     []*types.Message    `json:"messages"`
	Summary      *types.Summary      `json:"summary,omitempty"`
}

type store struct {
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
	summaries     repos.SummaryRepo
	settings      repos.SettingRepo
	log           *logger.Logger

	defaultPrompt string
	promptMu      sync.RWMutex
	promptCache   *string

	appendMu sync.Mutex
	appendL  map[uuid.UUID]*sync.Mutex
}

func New(
	conversations repos.ConversationRepo,
	messages repos.MessageRepo,
	summaries repos.SummaryRepo,
	settings repos.SettingRepo,
	defaultPrompt string,
	baseLog *logger.Logger,
) Store {
	return &store{
		conversations: conversations,
		messages:      messages,
		summaries:     summaries,
		settings:      settings,
		defaultPrompt: defaultPrompt,
		log:           baseLog.With("service", "convstore"),
		appendL:       make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *store) lockFor(convID uuid.UUID) *sync.Mutex {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	mu, ok := s.appendL[convID]
	if !ok {
		mu = &sync.Mutex{}
		s.appendL[convID] = mu
	}
	return mu
}

func (s *store) CreateConversation(ctx context.Context) (*types.Conversation, error) {
	return s.conversations.Create(ctx, nil)
}

func (s *store) Get(ctx context.Context, id uuid.UUID) (*types.Conversation, error) {
	return s.conversations.GetByID(ctx, nil, id)
}

func (s *store) AppendMessage(ctx context.Context, convID uuid.UUID, role, content string, opts ...AppendOption) (*types.Message, error) {
	msg := &types.Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(msg)
	}
	mu := s.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()
	if _, err := s.messages.Append(ctx, nil, msg); err != nil {
		return nil, err
	}
	if err := s.conversations.Touch(ctx, nil, convID); err != nil {
		s.log.Warn("touch conversation failed", "conversation_id", convID, "error", err)
	}
	return msg, nil
}

func (s *store) LoadWindow(ctx context.Context, convID uuid.UUID, n int) ([]*types.Message, error) {
	return s.messages.LoadWindow(ctx, nil, convID, n)
}

func (s *store) LoadRange(ctx context.Context, convID uuid.UUID, fromSeq, toSeq int64) ([]*types.Message, error) {
	return s.messages.LoadRange(ctx, nil, convID, fromSeq, toSeq)
}

func (s *store) MaxSeq(ctx context.Context, convID uuid.UUID) (int64, error) {
	return s.messages.MaxSeq(ctx, nil, convID)
}

func (s *store) GetSummary(ctx context.Context, convID uuid.UUID) (*types.Summary, error) {
	return s.summaries.Get(ctx, nil, convID)
}

func (s *store) UpdateSummary(ctx context.Context, convID uuid.UUID, content string, coveredUpTo int64) error {
	mu := s.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()
	_, err := s.summaries.Upsert(ctx, nil, convID, content, coveredUpTo)
	return err
}

func (s *store) List(ctx context.Context, limit, offset int) (int64, []*types.Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.conversations.List(ctx, nil, limit, offset)
}

func (s *store) Delete(ctx context.Context, convID uuid.UUID) error {
	return s.conversations.Delete(ctx, nil, convID)
}

func (s *store) Export(ctx context.Context, convID uuid.UUID) (*ConversationExport, error) {
	conv, err := s.conversations.GetByID(ctx, nil, convID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.LoadAll(ctx, nil, convID)
	if err != nil {
		return nil, err
	}
	export := &ConversationExport{Conversation: conv, Messages: msgs}
	summary, err := s.summaries.Get(ctx, nil, convID)
	if err == nil {
		export.Summary = summary
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return export, nil
}

// SystemPrompt returns the live prompt. Reads come from an in-memory
// cache refilled on write, so prompt fetches in the per-turn hot path
// never block on the database once warmed.
func (s *store) SystemPrompt(ctx context.Context) string {
	s.promptMu.RLock()
	cached := s.promptCache
	s.promptMu.RUnlock()
	if cached != nil {
		return *cached
	}
	value, err := s.settings.Get(ctx, nil, types.SettingSystemPrompt)
	if errors.Is(err, ErrNotFound) {
		value = s.defaultPrompt
	} else if err != nil {
		s.log.Warn("read system prompt failed", "error", err)
		return s.defaultPrompt
	}
	s.promptMu.Lock()
	s.promptCache = &value
	s.promptMu.Unlock()
	return value
}

func (s *store) SetSystemPrompt(ctx context.Context, prompt string) error {
	if err := s.settings.Set(ctx, nil, types.SettingSystemPrompt, prompt); err != nil {
		return err
	}
	s.promptMu.Lock()
	s.promptCache = &prompt
	s.promptMu.Unlock()
	return nil
}
