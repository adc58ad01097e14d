package ws

import "time"

const (
	frameTypeStartConversation   = "start_conversation"
	frameTypeUserMessage         = "user_message"
	frameTypeConversationStarted = "conversation_started"
	frameTypeMessage             = "message"
	frameTypeError               = "error"
)

// Error codes carried in error frame metadata.
const (
	ErrCodeInvalidAPIKey        = "INVALID_API_KEY"
	ErrCodeNoActiveConversation = "NO_ACTIVE_CONVERSATION"
	ErrCodeMessageTooLong       = "MESSAGE_TOO_LONG"
	ErrCodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

type frameMetadata struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
	Sources        []string `json:"sources"`
	ErrorCode      string   `json:"error_code,omitempty"`
}

type startedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type messageFrame struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Emotion  string         `json:"emotion,omitempty"`
	ChunkID  string         `json:"chunk_id,omitempty"`
	IsFinal  bool           `json:"is_final"`
	Metadata *frameMetadata `json:"metadata,omitempty"`
}

func errorFrame(content, code string) messageFrame {
	f := messageFrame{
		Type:    frameTypeError,
		Content: content,
		Emotion: "concerned",
	}
	if code != "" {
		f.Metadata = &frameMetadata{ErrorCode: code}
	}
	return f
}

func isoTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
