package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/types"
)

var ErrSummaryRegression = errors.New("summary cover index regression")

type SummaryRepo interface {
	Get(ctx context.Context, tx *gorm.DB, convID uuid.UUID) (*types.Summary, error)
	Upsert(ctx context.Context, tx *gorm.DB, convID uuid.UUID, content string, coveredUpTo int64) (*types.Summary, error)
}

type summaryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSummaryRepo(db *gorm.DB, baseLog *logger.Logger) SummaryRepo {
	return &summaryRepo{db: db, log: baseLog.With("repo", "SummaryRepo")}
}

func (r *summaryRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *summaryRepo) Get(ctx context.Context, tx *gorm.DB, convID uuid.UUID) (*types.Summary, error) {
	var s types.Summary
	err := r.conn(tx).WithContext(ctx).First(&s, "conversation_id = ?", convID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert replaces the summary row, bumping its version. The cover index
// must move strictly forward; a stale writer gets ErrSummaryRegression.
func (r *summaryRepo) Upsert(ctx context.Context, tx *gorm.DB, convID uuid.UUID, content string, coveredUpTo int64) (*types.Summary, error) {
	conn := r.conn(tx).WithContext(ctx)
	var out *types.Summary
	err := conn.Transaction(func(txn *gorm.DB) error {
		var cur types.Summary
		err := txn.First(&cur, "conversation_id = ?", convID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = &types.Summary{
				ConversationID: convID,
				Content:        content,
				CoveredUpToSeq: coveredUpTo,
				Version:        1,
			}
			return txn.Create(out).Error
		case err != nil:
			return err
		}
		if coveredUpTo <= cur.CoveredUpToSeq {
			return ErrSummaryRegression
		}
		cur.Content = content
		cur.CoveredUpToSeq = coveredUpTo
		cur.Version++
		out = &cur
		return txn.Save(&cur).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
