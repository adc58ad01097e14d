package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thingenious/eva-backend/internal/convstore"
	"github.com/thingenious/eva-backend/internal/engine"
	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/types"
)

const testAPIKey = "test-key"

type fakeConvStore struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*types.Conversation
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{convs: map[uuid.UUID]*types.Conversation{}}
}

func (s *fakeConvStore) CreateConversation(context.Context) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := &types.Conversation{ID: uuid.New(), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.convs[conv.ID] = conv
	return conv, nil
}

func (s *fakeConvStore) Get(_ context.Context, id uuid.UUID) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, convstore.ErrNotFound
	}
	return conv, nil
}

// scriptedRunner replies with two segments, the second final.
type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *scriptedRunner) RunTurn(ctx context.Context, convID uuid.UUID, text string, emit func(engine.TurnEvent)) error {
	r.mu.Lock()
	r.calls = append(r.calls, text)
	r.mu.Unlock()

	chunkID := uuid.New()
	emit(engine.TurnEvent{
		Content: "Hello there!", Emotion: "happy",
		ChunkID: chunkID, ConversationID: convID, Timestamp: time.Now(),
	})
	emit(engine.TurnEvent{
		Content: "What can I do for you?", Emotion: "curious",
		ChunkID: chunkID, ConversationID: convID, IsFinal: true, Timestamp: time.Now(),
	})
	return nil
}

type testFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Emotion        string `json:"emotion"`
	IsFinal        bool   `json:"is_final"`
	Metadata       *struct {
		ConversationID string   `json:"conversation_id"`
		Timestamp      string   `json:"timestamp"`
		Sources        []string `json:"sources"`
		ErrorCode      string   `json:"error_code"`
	} `json:"metadata"`
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *fakeConvStore, *scriptedRunner, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg.ChatAPIKey == "" {
		cfg.ChatAPIKey = testAPIKey
	}
	store := newFakeConvStore()
	runner := &scriptedRunner{}
	hub := NewHub(logger.NewNop())

	router := gin.New()
	router.GET("/ws", Handler(cfg, store, runner, hub, logger.NewNop()))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store, runner, hub
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f testFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestSessionFullFlow(t *testing.T) {
	srv, _, runner, _ := newTestServer(t, Config{})
	conn := dial(t, srv, http.Header{"Authorization": []string{"Bearer " + testAPIKey}})

	if err := conn.WriteJSON(map[string]string{"type": "start_conversation"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	started := readFrame(t, conn)
	if started.Type != frameTypeConversationStarted || started.ConversationID == "" {
		t.Fatalf("started frame: %+v", started)
	}

	if err := conn.WriteJSON(map[string]string{"type": "user_message", "content": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := readFrame(t, conn)
	if first.Type != frameTypeMessage || first.IsFinal || first.Emotion != "happy" {
		t.Fatalf("first frame: %+v", first)
	}
	if first.Metadata == nil || first.Metadata.ConversationID != started.ConversationID {
		t.Fatalf("first frame metadata: %+v", first.Metadata)
	}
	if first.Metadata.Sources == nil {
		t.Fatal("sources must serialise as a list")
	}
	second := readFrame(t, conn)
	if !second.IsFinal || second.Emotion != "curious" {
		t.Fatalf("second frame: %+v", second)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 1 || runner.calls[0] != "hi" {
		t.Fatalf("runner calls: %v", runner.calls)
	}
}

func TestSessionResumeExistingConversation(t *testing.T) {
	srv, store, _, _ := newTestServer(t, Config{})
	conv, err := store.CreateConversation(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	conn := dial(t, srv, http.Header{"Authorization": []string{"Bearer " + testAPIKey}})
	if err := conn.WriteJSON(map[string]string{
		"type": "start_conversation", "conversation_id": conv.ID.String(),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	started := readFrame(t, conn)
	if started.ConversationID != conv.ID.String() {
		t.Fatalf("resume: want=%s got=%s", conv.ID, started.ConversationID)
	}
}

func TestSessionUnknownConversation(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Config{})
	conn := dial(t, srv, http.Header{"Authorization": []string{"Bearer " + testAPIKey}})

	if err := conn.WriteJSON(map[string]string{
		"type": "start_conversation", "conversation_id": uuid.NewString(),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != frameTypeError || f.Metadata == nil || f.Metadata.ErrorCode != ErrCodeConversationNotFound {
		t.Fatalf("error frame: %+v", f)
	}
}

func TestSessionMessageBeforeStart(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Config{})
	conn := dial(t, srv, http.Header{"Authorization": []string{"Bearer " + testAPIKey}})

	if err := conn.WriteJSON(map[string]string{"type": "user_message", "content": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != frameTypeError || f.Metadata == nil || f.Metadata.ErrorCode != ErrCodeNoActiveConversation {
		t.Fatalf("error frame: %+v", f)
	}
}

func TestHandlerRejectsBadTokenBeforeUpgrade(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Config{})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=wrong", nil)
	if err == nil {
		t.Fatal("dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: %+v", resp)
	}
	_ = resp.Body.Close()
}

func TestHandlerSubprotocolAuthClosesAfterUpgrade(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Config{})
	dialer := websocket.Dialer{Subprotocols: []string{subprotocolChat, "token:wrong"}}
	conn, resp, err := dialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("handshake must succeed on the subprotocol path: %v", err)
	}
	defer conn.Close()
	_ = resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close: want=1008 got=%v", err)
	}
}

func TestHandlerEchoesChatSubprotocol(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Config{})
	dialer := websocket.Dialer{Subprotocols: []string{subprotocolChat, "token:" + testAPIKey}}
	conn, resp, err := dialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = resp.Body.Close()
	if got := conn.Subprotocol(); got != subprotocolChat {
		t.Fatalf("subprotocol: want=%q got=%q", subprotocolChat, got)
	}
}

func TestSessionOversizeMessage(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Config{MaxMessageBytes: 256})
	conn := dial(t, srv, http.Header{"Authorization": []string{"Bearer " + testAPIKey}})

	big := strings.Repeat("x", 512)
	if err := conn.WriteJSON(map[string]string{"type": "user_message", "content": big}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != frameTypeError || f.Metadata == nil || f.Metadata.ErrorCode != ErrCodeMessageTooLong {
		t.Fatalf("error frame: %+v", f)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.CloseMessageTooBig {
		t.Fatalf("close: want=1009 got=%v", err)
	}
}

func TestHubShutdownClosesSessions(t *testing.T) {
	srv, _, _, hub := newTestServer(t, Config{})
	conn := dial(t, srv, http.Header{"Authorization": []string{"Bearer " + testAPIKey}})

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Count() != 1 {
		t.Fatalf("hub count: want=1 got=%d", hub.Count())
	}

	go hub.Shutdown(2 * time.Second)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("close: want=1001 got=%v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for hub.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Fatalf("sessions not drained: %d", hub.Count())
	}
}
