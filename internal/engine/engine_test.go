package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thingenious/eva-backend/internal/convstore"
	"github.com/thingenious/eva-backend/internal/llm"
	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/rag"
	"github.com/thingenious/eva-backend/internal/repos"
	"github.com/thingenious/eva-backend/internal/types"
)

// scriptedStreamer replays canned chunks, or blocks until cancelled.
type scriptedStreamer struct {
	mu       sync.Mutex
	chunks   []string
	err      error
	block    bool
	complete string
	requests []llm.Request
}

func (s *scriptedStreamer) StreamChat(ctx context.Context, req llm.Request, onDelta func(string)) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	chunks, errOut, block := s.chunks, s.err, s.block
	s.mu.Unlock()

	var full strings.Builder
	for _, c := range chunks {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		full.WriteString(c)
		if onDelta != nil {
			onDelta(c)
		}
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if errOut != nil {
		return "", errOut
	}
	return full.String(), nil
}

func (s *scriptedStreamer) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	return s.complete, nil
}

type fakeRetriever struct {
	passages []rag.Passage
	err      error
}

func (r *fakeRetriever) Query(context.Context, string) ([]rag.Passage, error) {
	return r.passages, r.err
}

func newTestStore(t *testing.T) convstore.Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(&types.Conversation{}, &types.Message{}, &types.Summary{}, &types.AdminSetting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logger.NewNop()
	return convstore.New(
		repos.NewConversationRepo(gdb, log),
		repos.NewMessageRepo(gdb, log),
		repos.NewSummaryRepo(gdb, log),
		repos.NewSettingRepo(gdb, log),
		"you are a helpful assistant",
		log,
	)
}

func newTestEngine(t *testing.T, cfg Config, streamer llm.Streamer, retriever Retriever) (*Engine, convstore.Store, uuid.UUID) {
	t.Helper()
	store := newTestStore(t)
	conv, err := store.CreateConversation(context.Background())
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	e, err := New(cfg, store, streamer, llm.DefaultPrompts(), retriever, logger.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, store, conv.ID
}

func runTurn(t *testing.T, e *Engine, convID uuid.UUID, text string) []TurnEvent {
	t.Helper()
	var events []TurnEvent
	if err := e.RunTurn(context.Background(), convID, text, func(ev TurnEvent) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	return events
}

func TestTurnSegmentsPersistedAndEmitted(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []string{
		"[[emotion:happy]]Hi there! ", "[[emotion:thou", "ghtful]]Let me explain.",
	}}
	e, store, convID := newTestEngine(t, Config{}, streamer, nil)

	events := runTurn(t, e, convID, "hello")
	if len(events) != 2 {
		t.Fatalf("events: want=2 got=%d (%v)", len(events), events)
	}
	if events[0].Emotion != "happy" || events[0].IsFinal {
		t.Fatalf("first event: %+v", events[0])
	}
	if events[1].Emotion != "thoughtful" || !events[1].IsFinal {
		t.Fatalf("second event: %+v", events[1])
	}
	if events[0].ChunkID != events[1].ChunkID {
		t.Fatal("segments must share a chunk id")
	}

	msgs, err := store.LoadWindow(context.Background(), convID, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("persisted: want=3 got=%d", len(msgs))
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Content != "hello" {
		t.Fatalf("user message first: %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || *msgs[1].Emotion != "happy" {
		t.Fatalf("assistant segment: %+v", msgs[1])
	}
}

func TestTurnWhitespaceStreamFallsBack(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []string{"  ", "\n"}}
	e, _, convID := newTestEngine(t, Config{}, streamer, nil)

	events := runTurn(t, e, convID, "hello")
	if len(events) != 1 {
		t.Fatalf("events: want=1 got=%d", len(events))
	}
	if events[0].Emotion != "neutral" || !events[0].IsFinal || events[0].Content == "" {
		t.Fatalf("fallback event: %+v", events[0])
	}
}

func TestTurnStreamErrorEmitsApology(t *testing.T) {
	streamer := &scriptedStreamer{
		chunks: []string{"[[emotion:happy]]partial "},
		err:    context.DeadlineExceeded,
	}
	e, _, convID := newTestEngine(t, Config{}, streamer, nil)

	events := runTurn(t, e, convID, "hello")
	last := events[len(events)-1]
	if last.Emotion != "concerned" || !last.IsFinal {
		t.Fatalf("terminal event: %+v", last)
	}
}

func TestTurnCancellationKeepsPersistedSegments(t *testing.T) {
	streamer := &scriptedStreamer{
		chunks: []string{"[[emotion:happy]]first. [[emotion:neutral]]second. [[emotion:curious]]third pend"},
		block:  true,
	}
	e, store, convID := newTestEngine(t, Config{}, streamer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var events []TurnEvent
	done := make(chan error, 1)
	go func() {
		done <- e.RunTurn(ctx, convID, "hello", func(ev TurnEvent) { events = append(events, ev) })
	}()
	// Wait for the first segment to land before cancelling.
	deadline := time.After(2 * time.Second)
	for {
		msgs, _ := store.LoadWindow(context.Background(), convID, 10)
		if len(msgs) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first segment never persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err == nil {
		t.Fatal("cancelled turn should return an error")
	}

	msgs, err := store.LoadWindow(context.Background(), convID, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) < 2 {
		t.Fatalf("persisted segments lost: %d", len(msgs))
	}
	for _, ev := range events {
		if ev.IsFinal {
			t.Fatal("cancelled turn must not emit a final frame")
		}
	}
}

func TestTurnAttachesSources(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []string{"[[emotion:confident]]From the docs."}}
	retriever := &fakeRetriever{passages: []rag.Passage{
		{Text: "passage one", DocID: "handbook.pdf", Score: 0.9},
		{Text: "passage two", DocID: "faq.md", Score: 0.8},
		{Text: "passage three", DocID: "handbook.pdf", Score: 0.7},
	}}
	e, _, convID := newTestEngine(t, Config{}, streamer, retriever)

	events := runTurn(t, e, convID, "what do the docs say?")
	if len(events) != 1 {
		t.Fatalf("events: want=1 got=%d", len(events))
	}
	srcs := events[0].Sources
	if len(srcs) != 2 || srcs[0] != "faq.md" || srcs[1] != "handbook.pdf" {
		t.Fatalf("sources: got=%v", srcs)
	}

	req := streamer.requests[0]
	last := req.Messages[len(req.Messages)-1]
	if !strings.Contains(last.Content, "passage one") || !strings.Contains(last.Content, "what do the docs say?") {
		t.Fatalf("retrieval block missing from final message: %q", last.Content)
	}
}

func TestTurnRetrievalErrorProceedsUnaugmented(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []string{"[[emotion:neutral]]Still works."}}
	retriever := &fakeRetriever{err: context.DeadlineExceeded}
	e, _, convID := newTestEngine(t, Config{}, streamer, retriever)

	events := runTurn(t, e, convID, "hello")
	if len(events) != 1 {
		t.Fatalf("events: want=1 got=%d", len(events))
	}
	if events[0].Sources == nil || len(events[0].Sources) != 0 {
		t.Fatalf("sources: want empty list got=%v", events[0].Sources)
	}
}

func TestSummarisationCoversPrefixAndKeepsTail(t *testing.T) {
	streamer := &scriptedStreamer{
		chunks:   []string{"[[emotion:neutral]]ok."},
		complete: "They discussed many things.",
	}
	e, store, convID := newTestEngine(t, Config{
		SummaryThreshold: 4,
		SummaryKeepTail:  2,
	}, streamer, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		runTurn(t, e, convID, "tell me more")
		e.Wait()
	}

	summary, err := store.GetSummary(ctx, convID)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if summary.Content != "They discussed many things." {
		t.Fatalf("summary content: got=%q", summary.Content)
	}
	maxSeq, err := store.MaxSeq(ctx, convID)
	if err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if summary.CoveredUpToSeq <= 0 || summary.CoveredUpToSeq > maxSeq-2 {
		t.Fatalf("covered: got=%d max=%d", summary.CoveredUpToSeq, maxSeq)
	}
}

func TestPromptIncludesSummaryAndSystem(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []string{"[[emotion:neutral]]ok."}}
	e, store, convID := newTestEngine(t, Config{}, streamer, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		if _, err := store.AppendMessage(ctx, convID, role, "old message"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := store.UpdateSummary(ctx, convID, "they talked about go", 3); err != nil {
		t.Fatalf("seed summary: %v", err)
	}

	runTurn(t, e, convID, "new question")
	req := streamer.requests[0]
	if !strings.Contains(req.System, "you are a helpful assistant") {
		t.Fatalf("system prompt missing: %q", req.System)
	}
	if !strings.Contains(req.System, "they talked about go") {
		t.Fatalf("summary missing from system: %q", req.System)
	}
	// Covered messages stay out of the window; seqs 4 and 5 remain.
	if len(req.Messages) != 3 {
		t.Fatalf("window: want=3 messages got=%d (%v)", len(req.Messages), req.Messages)
	}
	if req.Messages[len(req.Messages)-1].Content != "new question" {
		t.Fatalf("last message: %+v", req.Messages[len(req.Messages)-1])
	}
}
