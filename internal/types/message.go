package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID      `gorm:"type:uuid;not null;index:idx_message_conv_seq,unique,priority:1" json:"conversation_id"`
	Seq            int64          `gorm:"not null;index:idx_message_conv_seq,unique,priority:2" json:"seq"`
	Role           string         `gorm:"not null" json:"role"`
	Content        string         `gorm:"not null" json:"content"`
	Emotion        *string        `json:"emotion,omitempty"`
	ChunkID        *uuid.UUID     `gorm:"type:uuid" json:"chunk_id,omitempty"`
	Sources        datatypes.JSON `json:"sources,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
}

func (Message) TableName() string {
	return "message"
}
