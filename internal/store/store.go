package store

import (
	"context"
	"fmt"
	"time"

	"payment-engine/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendStatusLog appends one status-change entry for a deposit or refund.
func (s *Store) AppendStatusLog(ctx context.Context, ownerRef, ownerKind, status, operator, remark string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_logs (owner_ref, owner_kind, status, operator, remark)
		 VALUES ($1, $2, $3, $4, $5)`,
		ownerRef, ownerKind, status, operator, remark)
	return err
}

// GetStatusLogs retrieves the status-change log for a deposit or refund,
// oldest first.
func (s *Store) GetStatusLogs(ctx context.Context, ownerRef, ownerKind string) ([]models.StatusLog, error) {
	var logs []models.StatusLog
	err := s.db.SelectContext(ctx, &logs,
		"SELECT * FROM status_logs WHERE owner_ref = $1 AND owner_kind = $2 ORDER BY id",
		ownerRef, ownerKind)
	return logs, err
}
