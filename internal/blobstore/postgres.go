package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const createBlobTable = `
	CREATE TABLE IF NOT EXISTS model_blobs (
		key        TEXT PRIMARY KEY,
		data       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// Postgres stores blobs in the model_blobs table.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres connects to cfg.DatabaseURL and creates the table if needed.
func NewPostgres(cfg *Config, logger *zap.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createBlobTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create model_blobs table: %w", err)
	}

	logger.Info("Postgres model cache initialized",
		zap.String("database_url", maskURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns))
	return &Postgres{db: db, logger: logger}, nil
}

// Get returns the blob or ErrNotFound.
func (s *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM model_blobs WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Put upserts the blob.
func (s *Postgres) Put(ctx context.Context, key string, data []byte) error {
	query := `
		INSERT INTO model_blobs (key, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, data); err != nil {
		s.logger.Error("Failed to store blob", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to store blob: %w", err)
	}
	s.logger.Debug("Blob stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Close closes the database connection
func (s *Postgres) Close() error {
	return s.db.Close()
}
