package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thingenious/eva-backend/internal/platform/logger"
	"github.com/thingenious/eva-backend/internal/types"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New opens the conversation database. The backend is selected by the
// URL scheme: postgres:// (or postgresql://) uses the Postgres driver,
// sqlite://path or a bare path uses SQLite.
func New(databaseURL string, baseLog *logger.Logger) (*Service, error) {
	serviceLog := baseLog.With("service", "db")

	dialector, kind, err := dialectorFor(databaseURL)
	if err != nil {
		return nil, err
	}
	serviceLog.Info("connecting to database", "backend", kind)
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", kind, err)
	}
	if kind == "sqlite" {
		// Serialise writers at the driver level; GORM pools connections
		// and SQLite cannot take concurrent write transactions.
		if err := gdb.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &Service{db: gdb, log: serviceLog}, nil
}

func dialectorFor(databaseURL string) (gorm.Dialector, string, error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return postgres.Open(u), "postgres", nil
	case strings.HasPrefix(u, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(u, "sqlite://")), "sqlite", nil
	case u == "":
		return nil, "", fmt.Errorf("db: empty DATABASE_URL")
	default:
		return sqlite.Open(u), "sqlite", nil
	}
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("migrating tables")
	return s.db.AutoMigrate(
		&types.Conversation{},
		&types.Message{},
		&types.Summary{},
		&types.AdminSetting{},
	)
}

func (s *Service) DB() *gorm.DB {
	return s.db
}
