package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/types"
)

var ErrNotFound = errors.New("not found")

type ConversationRepo interface {
	Create(ctx context.Context, tx *gorm.DB) (*types.Conversation, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Conversation, error)
	Touch(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	List(ctx context.Context, tx *gorm.DB, limit, offset int) (int64, []*types.Conversation, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, baseLog *logger.Logger) ConversationRepo {
	return &conversationRepo{db: db, log: baseLog.With("repo", "ConversationRepo")}
}

func (r *conversationRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *conversationRepo) Create(ctx context.Context, tx *gorm.DB) (*types.Conversation, error) {
	conv := &types.Conversation{ID: uuid.New()}
	if err := r.conn(tx).WithContext(ctx).Create(conv).Error; err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *conversationRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Conversation, error) {
	var conv types.Conversation
	err := r.conn(tx).WithContext(ctx).First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) Touch(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return r.conn(tx).WithContext(ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}

func (r *conversationRepo) List(ctx context.Context, tx *gorm.DB, limit, offset int) (int64, []*types.Conversation, error) {
	conn := r.conn(tx).WithContext(ctx)
	var total int64
	if err := conn.Model(&types.Conversation{}).Count(&total).Error; err != nil {
		return 0, nil, err
	}
	var items []*types.Conversation
	if err := conn.
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error; err != nil {
		return 0, nil, err
	}
	return total, items, nil
}

func (r *conversationRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	conn := r.conn(tx).WithContext(ctx)
	res := conn.Delete(&types.Conversation{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if err := conn.Delete(&types.Message{}, "conversation_id = ?", id).Error; err != nil {
		return err
	}
	return conn.Delete(&types.Summary{}, "conversation_id = ?", id).Error
}
