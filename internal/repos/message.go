package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/types"
)

type MessageRepo interface {
	Append(ctx context.Context, tx *gorm.DB, msg *types.Message) (int64, error)
	LoadWindow(ctx context.Context, tx *gorm.DB, convID uuid.UUID, n int) ([]*types.Message, error)
	LoadRange(ctx context.Context, tx *gorm.DB, convID uuid.UUID, fromSeq, toSeq int64) ([]*types.Message, error)
	LoadAll(ctx context.Context, tx *gorm.DB, convID uuid.UUID) ([]*types.Message, error)
	MaxSeq(ctx context.Context, tx *gorm.DB, convID uuid.UUID) (int64, error)
	Count(ctx context.Context, tx *gorm.DB, convID uuid.UUID) (int64, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (r *messageRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Append assigns the next per-conversation sequence number and inserts
// the message. Callers serialise appends to the same conversation; the
// unique (conversation_id, seq) index backstops that contract.
func (r *messageRepo) Append(ctx context.Context, tx *gorm.DB, msg *types.Message) (int64, error) {
	conn := r.conn(tx).WithContext(ctx)
	max, err := r.maxSeq(conn, msg.ConversationID)
	if err != nil {
		return 0, err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.Seq = max + 1
	if err := conn.Create(msg).Error; err != nil {
		return 0, err
	}
	return msg.Seq, nil
}

func (r *messageRepo) maxSeq(conn *gorm.DB, convID uuid.UUID) (int64, error) {
	var max int64
	err := conn.Model(&types.Message{}).
		Where("conversation_id = ?", convID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&max).Error
	return max, err
}

func (r *messageRepo) MaxSeq(ctx context.Context, tx *gorm.DB, convID uuid.UUID) (int64, error) {
	return r.maxSeq(r.conn(tx).WithContext(ctx), convID)
}

// LoadWindow returns up to n most-recent messages in chronological
// order.
func (r *messageRepo) LoadWindow(ctx context.Context, tx *gorm.DB, convID uuid.UUID, n int) ([]*types.Message, error) {
	var recent []*types.Message
	if err := r.conn(tx).WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("seq DESC").
		Limit(n).
		Find(&recent).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func (r *messageRepo) LoadRange(ctx context.Context, tx *gorm.DB, convID uuid.UUID, fromSeq, toSeq int64) ([]*types.Message, error) {
	var out []*types.Message
	if err := r.conn(tx).WithContext(ctx).
		Where("conversation_id = ? AND seq > ? AND seq <= ?", convID, fromSeq, toSeq).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) LoadAll(ctx context.Context, tx *gorm.DB, convID uuid.UUID) ([]*types.Message, error) {
	var out []*types.Message
	if err := r.conn(tx).WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) Count(ctx context.Context, tx *gorm.DB, convID uuid.UUID) (int64, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&types.Message{}).
		Where("conversation_id = ?", convID).
		Count(&count).Error
	return count, err
}
