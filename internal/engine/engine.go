package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thingenious/eva-backend/internal/convstore"
	"github.com/thingenious/eva-backend/internal/llm"
	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/rag"
	"github.com/thingenious/eva-backend/internal/types"
)

const (
	summaryDelimiter = "Previous conversation summary:\n"
	ragDelimiter     = "Relevant information:\n"
	passageSeparator = "\n---\n"

	fallbackReply = "I'm not sure how to respond to that. Could you rephrase?"
	apologyReply  = "I'm sorry, I ran into a problem generating a response. Please try again."
)

// Retriever is the slice of the retrieval store the engine needs.
type Retriever interface {
	Query(ctx context.Context, text string) ([]rag.Passage, error)
}

// TurnEvent is one outbound assistant segment, ready for the session
// layer to frame.
type TurnEvent struct {
	Content        string
	Emotion        string
	ChunkID        uuid.UUID
	ConversationID uuid.UUID
	IsFinal        bool
	Sources        []string
	Timestamp      time.Time
}

type Config struct {
	MaxHistoryMessages int
	SummaryThreshold   int
	SummaryKeepTail    int
	MaxTokens          int
	Temperature        float64
	TurnTimeout        time.Duration
}

// Engine turns a user message into a streamed, persisted, emotion-
// segmented assistant reply.
type Engine struct {
	log       *logger.Logger
	cfg       Config
	store     convstore.Store
	streamer  llm.Streamer
	prompts   llm.Prompts
	retriever Retriever

	sumMu    sync.Mutex
	sumLocks map[uuid.UUID]*sync.Mutex

	wg sync.WaitGroup
}

func New(cfg Config, store convstore.Store, streamer llm.Streamer, prompts llm.Prompts, retriever Retriever, log *logger.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: store required")
	}
	if streamer == nil {
		return nil, fmt.Errorf("engine: streamer required")
	}
	if log == nil {
		return nil, fmt.Errorf("engine: logger required")
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 50
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = 30
	}
	if cfg.SummaryKeepTail < 0 {
		cfg.SummaryKeepTail = 10
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	return &Engine{
		log:       log.With("service", "Engine"),
		cfg:       cfg,
		store:     store,
		streamer:  streamer,
		prompts:   prompts,
		retriever: retriever,
		sumLocks:  map[uuid.UUID]*sync.Mutex{},
	}, nil
}

// Wait blocks until background summarisations have drained.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// RunTurn processes one user message. Every emitted segment is
// persisted before emit is called with it. Cancellation via ctx keeps
// the segments already persisted and returns ctx.Err(); all other
// stream failures end the turn with a terminal apology segment.
func (e *Engine) RunTurn(ctx context.Context, convID uuid.UUID, userText string, emit func(TurnEvent)) error {
	if _, err := e.store.AppendMessage(ctx, convID, types.RoleUser, userText); err != nil {
		return fmt.Errorf("engine: append user message: %w", err)
	}

	req, sources := e.assemblePrompt(ctx, convID, userText)

	chunkID := uuid.New()
	turnCtx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()

	persistAndEmit := func(seg Segment) {
		// Persistence must survive turn cancellation.
		_, err := e.store.AppendMessage(context.WithoutCancel(ctx), convID, types.RoleAssistant, seg.Content,
			convstore.WithEmotion(seg.Emotion),
			convstore.WithChunkID(chunkID),
			convstore.WithSources(sources),
		)
		if err != nil {
			e.log.Error("persist segment failed", "conversation_id", convID.String(), "error", err.Error())
		}
		emit(TurnEvent{
			Content:        seg.Content,
			Emotion:        seg.Emotion,
			ChunkID:        chunkID,
			ConversationID: convID,
			IsFinal:        seg.IsFinal,
			Sources:        sources,
			Timestamp:      time.Now().UTC(),
		})
	}

	seg := NewSegmenter(persistAndEmit)
	_, streamErr := e.streamer.StreamChat(turnCtx, req, seg.Feed)

	if streamErr != nil {
		if ctx.Err() != nil {
			// The session cancelled the turn; what was emitted stands.
			return ctx.Err()
		}
		e.log.Error("llm stream failed", "conversation_id", convID.String(), "error", streamErr.Error())
		persistAndEmit(Segment{Content: apologyReply, Emotion: EmotionConcerned, IsFinal: true})
		return nil
	}

	if seg.Close() == 0 {
		persistAndEmit(Segment{Content: fallbackReply, Emotion: EmotionNeutral, IsFinal: true})
	}

	e.maybeSummarize(convID)
	return nil
}

// assemblePrompt builds the chat request in fixed order: system prompt,
// summary, trailing uncovered window, retrieval block, user message.
func (e *Engine) assemblePrompt(ctx context.Context, convID uuid.UUID, userText string) (llm.Request, []string) {
	system := e.store.SystemPrompt(ctx)

	var coveredUpTo int64
	if summary, err := e.store.GetSummary(ctx, convID); err == nil && summary != nil {
		coveredUpTo = summary.CoveredUpToSeq
		if strings.TrimSpace(summary.Content) != "" {
			system += "\n\n" + summaryDelimiter + summary.Content
		}
	}

	var msgs []llm.Message
	window, err := e.store.LoadWindow(ctx, convID, e.cfg.MaxHistoryMessages)
	if err != nil {
		e.log.Warn("load history failed", "conversation_id", convID.String(), "error", err.Error())
	}
	for _, m := range window {
		if m.Seq <= coveredUpTo || m.Role == types.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	// The just-appended user message closes the window; the retrieval
	// block rides on it instead.
	if n := len(msgs); n > 0 && msgs[n-1].Role == types.RoleUser && msgs[n-1].Content == userText {
		msgs = msgs[:n-1]
	}

	passages, sources := e.retrieve(ctx, userText)
	userContent := userText
	if len(passages) > 0 {
		userContent = ragDelimiter + strings.Join(passages, passageSeparator) + "\n\n" + userText
	}
	msgs = append(msgs, llm.Message{Role: types.RoleUser, Content: userContent})

	return llm.Request{
		System:      system,
		Messages:    msgs,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}, sources
}

// retrieve queries the retrieval store, degrading to no augmentation
// on error. Sources are the distinct contributing document ids.
func (e *Engine) retrieve(ctx context.Context, userText string) ([]string, []string) {
	if e.retriever == nil {
		return nil, []string{}
	}
	passages, err := e.retriever.Query(ctx, userText)
	if err != nil {
		e.log.Warn("retrieval failed, continuing unaugmented", "error", err.Error())
		return nil, []string{}
	}
	texts := make([]string, 0, len(passages))
	seen := map[string]struct{}{}
	var sources []string
	for _, p := range passages {
		texts = append(texts, p.Text)
		if _, ok := seen[p.DocID]; !ok {
			seen[p.DocID] = struct{}{}
			sources = append(sources, p.DocID)
		}
	}
	sort.Strings(sources)
	if sources == nil {
		sources = []string{}
	}
	return texts, sources
}

func (e *Engine) summaryLock(convID uuid.UUID) *sync.Mutex {
	e.sumMu.Lock()
	defer e.sumMu.Unlock()
	mu, ok := e.sumLocks[convID]
	if !ok {
		mu = &sync.Mutex{}
		e.sumLocks[convID] = mu
	}
	return mu
}

// maybeSummarize launches a background summarisation when the
// uncovered message count passed the threshold. At most one runs per
// conversation; a turn finishing while one runs just skips.
func (e *Engine) maybeSummarize(convID uuid.UUID) {
	mu := e.summaryLock(convID)
	if !mu.TryLock() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := e.summarizeOnce(ctx, convID); err != nil {
			e.log.Warn("summarisation failed", "conversation_id", convID.String(), "error", err.Error())
		}
	}()
}

func (e *Engine) summarizeOnce(ctx context.Context, convID uuid.UUID) error {
	maxSeq, err := e.store.MaxSeq(ctx, convID)
	if err != nil {
		return err
	}
	var coveredUpTo int64
	var previous string
	if summary, err := e.store.GetSummary(ctx, convID); err == nil && summary != nil {
		coveredUpTo = summary.CoveredUpToSeq
		previous = summary.Content
	}

	uncovered := maxSeq - coveredUpTo
	if uncovered <= int64(e.cfg.SummaryThreshold) {
		return nil
	}
	target := maxSeq - int64(e.cfg.SummaryKeepTail)
	if target <= coveredUpTo {
		return nil
	}

	messages, err := e.store.LoadRange(ctx, convID, coveredUpTo+1, target)
	if err != nil {
		return err
	}
	var lines []string
	for _, m := range messages {
		lines = append(lines, m.Role+": "+m.Content)
	}
	conversationText := strings.Join(lines, "\n")

	var prompt string
	if strings.TrimSpace(previous) == "" {
		prompt = e.prompts.RenderNewSummary(conversationText)
	} else {
		prompt = e.prompts.RenderUpdateSummary(previous, conversationText)
	}

	text, err := e.streamer.Complete(ctx, llm.Request{
		Messages:  []llm.Message{{Role: types.RoleUser, Content: prompt}},
		MaxTokens: 512,
	})
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("engine: empty summary")
	}

	if err := e.store.UpdateSummary(ctx, convID, text, target); err != nil {
		// A racing summariser already covered further; fine.
		if errors.Is(err, convstore.ErrSummaryRegression) {
			return nil
		}
		return err
	}
	e.log.Info("summary updated", "conversation_id", convID.String(), "covered_upto", target)
	return nil
}
