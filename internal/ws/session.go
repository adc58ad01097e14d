package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thingenious/eva-backend/internal/convstore"
	"github.com/thingenious/eva-backend/internal/engine"
	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/types"
)

type sessionState int

const (
	stateConnected sessionState = iota
	stateBound
	stateResponding
	stateClosing
)

// Store is the slice of the conversation store sessions need.
type Store interface {
	CreateConversation(ctx context.Context) (*types.Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Conversation, error)
}

// TurnRunner produces the assistant reply for one user message.
type TurnRunner interface {
	RunTurn(ctx context.Context, convID uuid.UUID, userText string, emit func(engine.TurnEvent)) error
}

type Config struct {
	ChatAPIKey      string
	TrustedOrigins  []string
	MaxMessageBytes int64
	QueueSize       int
	PongWait        time.Duration
	WriteWait       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// Session owns one WebSocket connection: a read loop dispatching
// inbound frames, a write loop draining the bounded outbound queue,
// and at most one in-flight turn.
type Session struct {
	log    *logger.Logger
	cfg    Config
	conn   *websocket.Conn
	store  Store
	runner TurnRunner

	ctx    context.Context
	cancel context.CancelFunc
	out    chan any

	mu         sync.Mutex
	state      sessionState
	convID     uuid.UUID
	turnCancel context.CancelFunc
	turnDone   chan struct{}

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, cfg Config, store Store, runner TurnRunner, log *logger.Logger) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:    log.With("service", "Session", "session_id", uuid.NewString()),
		cfg:    cfg,
		conn:   conn,
		store:  store,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan any, cfg.QueueSize),
	}
}

func (s *Session) run() {
	go s.writeLoop()
	s.readLoop()
	s.teardown(websocket.CloseNormalClosure, "")
}

// send enqueues an outbound frame, blocking on back-pressure until the
// writer drains or the session dies. Frames are never dropped while
// the session lives.
func (s *Session) send(frame any) bool {
	select {
	case s.out <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) writeLoop() {
	pingInterval := s.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.log.Debug("socket write failed", "error", err.Error())
				s.cancel()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) readLoop() {
	// The hard limit backstops our own size check so oversize frames
	// still produce the MESSAGE_TOO_LONG error before the 1009 close.
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes*2 + 1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		if s.ctx.Err() != nil {
			return
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if int64(len(data)) > s.cfg.MaxMessageBytes {
			s.send(errorFrame("Message too long.", ErrCodeMessageTooLong))
			s.teardown(websocket.CloseMessageTooBig, "message too large")
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.send(errorFrame("Invalid message format.", ErrCodeInternalError))
		return
	}
	switch frame.Type {
	case frameTypeStartConversation:
		s.handleStart(frame)
	case frameTypeUserMessage:
		s.handleUserMessage(frame)
	default:
		s.send(errorFrame("Unknown message type.", ErrCodeInternalError))
	}
}

// handleStart binds the session to an existing or fresh conversation.
// Rebinding cancels any in-flight turn first.
func (s *Session) handleStart(frame inboundFrame) {
	s.cancelInflightTurn()

	var conv *types.Conversation
	var err error
	if frame.ConversationID != "" {
		id, parseErr := uuid.Parse(frame.ConversationID)
		if parseErr != nil {
			s.send(errorFrame("Conversation not found.", ErrCodeConversationNotFound))
			return
		}
		conv, err = s.store.Get(s.ctx, id)
		if err != nil {
			if err == convstore.ErrNotFound {
				s.send(errorFrame("Conversation not found.", ErrCodeConversationNotFound))
			} else {
				s.log.Error("conversation lookup failed", "error", err.Error())
				s.send(errorFrame("Internal error.", ErrCodeInternalError))
			}
			return
		}
	} else {
		conv, err = s.store.CreateConversation(s.ctx)
		if err != nil {
			s.log.Error("conversation create failed", "error", err.Error())
			s.send(errorFrame("Internal error.", ErrCodeInternalError))
			return
		}
	}

	s.mu.Lock()
	s.convID = conv.ID
	s.state = stateBound
	s.mu.Unlock()

	s.send(startedFrame{Type: frameTypeConversationStarted, ConversationID: conv.ID.String()})
}

func (s *Session) handleUserMessage(frame inboundFrame) {
	s.mu.Lock()
	if s.state == stateConnected {
		s.mu.Unlock()
		s.send(errorFrame("No active conversation. Send start_conversation first.", ErrCodeNoActiveConversation))
		return
	}
	convID := s.convID
	s.mu.Unlock()

	s.cancelInflightTurn()

	turnCtx, cancelTurn := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.state = stateResponding
	s.turnCancel = cancelTurn
	s.turnDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.runner.RunTurn(turnCtx, convID, frame.Content, s.emitTurnEvent)
		if err != nil && turnCtx.Err() == nil {
			s.log.Error("turn failed", "conversation_id", convID.String(), "error", err.Error())
			s.send(errorFrame("Internal error.", ErrCodeInternalError))
		}
		s.mu.Lock()
		if s.turnDone == done && s.state == stateResponding {
			s.state = stateBound
			s.turnCancel = nil
			s.turnDone = nil
		}
		s.mu.Unlock()
	}()
}

// cancelInflightTurn aborts the running turn, if any, and waits for
// its goroutine to settle so frames of two turns never interleave.
func (s *Session) cancelInflightTurn() {
	s.mu.Lock()
	cancel, done := s.turnCancel, s.turnDone
	s.turnCancel, s.turnDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (s *Session) emitTurnEvent(ev engine.TurnEvent) {
	sources := ev.Sources
	if sources == nil {
		sources = []string{}
	}
	s.send(messageFrame{
		Type:    frameTypeMessage,
		Content: ev.Content,
		Emotion: ev.Emotion,
		ChunkID: ev.ChunkID.String(),
		IsFinal: ev.IsFinal,
		Metadata: &frameMetadata{
			ConversationID: ev.ConversationID.String(),
			Timestamp:      isoTimestamp(ev.Timestamp),
			Sources:        sources,
		},
	})
}

// teardown closes the socket once with the given close code and ends
// the session, cancelling any in-flight turn through the context tree.
func (s *Session) teardown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosing
		s.mu.Unlock()

		// Give the writer a chance to drain queued frames, so an error
		// frame enqueued just before teardown precedes the close frame.
		drainUntil := time.Now().Add(s.cfg.WriteWait)
		for len(s.out) > 0 && time.Now().Before(drainUntil) && s.ctx.Err() == nil {
			time.Sleep(5 * time.Millisecond)
		}

		deadline := time.Now().Add(s.cfg.WriteWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		s.cancel()
		_ = s.conn.Close()
	})
}
