package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/types"
)

type SettingRepo interface {
	Get(ctx context.Context, tx *gorm.DB, key string) (string, error)
	Set(ctx context.Context, tx *gorm.DB, key, value string) error
}

type settingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSettingRepo(db *gorm.DB, baseLog *logger.Logger) SettingRepo {
	return &settingRepo{db: db, log: baseLog.With("repo", "SettingRepo")}
}

func (r *settingRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *settingRepo) Get(ctx context.Context, tx *gorm.DB, key string) (string, error) {
	var s types.AdminSetting
	err := r.conn(tx).WithContext(ctx).First(&s, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

func (r *settingRepo) Set(ctx context.Context, tx *gorm.DB, key, value string) error {
	conn := r.conn(tx).WithContext(ctx)
	return conn.Transaction(func(txn *gorm.DB) error {
		var cur types.AdminSetting
		err := txn.First(&cur, "key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return txn.Create(&types.AdminSetting{Key: key, Value: value}).Error
		}
		if err != nil {
			return err
		}
		cur.Value = value
		return txn.Save(&cur).Error
	})
}
