package types

import (
	"time"

	"github.com/google/uuid"
)

// Summary holds the rolling condensation of a conversation's oldest
// messages. CoveredUpToSeq points at the last message sequence the text
// covers and only ever moves forward.
type Summary struct {
	ConversationID uuid.UUID `gorm:"type:uuid;primaryKey" json:"conversation_id"`
	Content        string    `gorm:"not null" json:"content"`
	CoveredUpToSeq int64     `gorm:"not null" json:"covered_up_to_seq"`
	Version        int64     `gorm:"not null" json:"version"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (Summary) TableName() string {
	return "summary"
}
