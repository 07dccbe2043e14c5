package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// Repository defines the data access contract for stored JWT records.
type Repository interface {
	Save(ctx context.Context, record *Record) error
	Find(ctx context.Context, token string) (*Record, error)
	ListByUser(ctx context.Context, userID string) ([]Record, error)

	// Blacklist upserts the record with blacklist = true. Idempotent.
	Blacklist(ctx context.Context, token, userID string) error
}

// repository implements Repository with hand-written MariaDB queries.
type repository struct {
	db *sql.DB
}

// NewRepository creates a token repository backed by the given DB pool.
func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Save(ctx context.Context, record *Record) error {
	query := `INSERT INTO jwt_tokens (token, user_id, blacklist, created_at)
		VALUES (?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		record.Token, record.UserID, record.Blacklist, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving token record: %w", err)
	}
	return nil
}

func (r *repository) Find(ctx context.Context, token string) (*Record, error) {
	query := `SELECT token, user_id, blacklist, created_at
		FROM jwt_tokens WHERE token = ?`

	var rec Record
	err := r.db.QueryRowContext(ctx, query, token).
		Scan(&rec.Token, &rec.UserID, &rec.Blacklist, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token record: %w", err)
	}
	return &rec, nil
}

func (r *repository) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	query := `SELECT token, user_id, blacklist, created_at
		FROM jwt_tokens WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing token records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Token, &rec.UserID, &rec.Blacklist, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning token record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *repository) Blacklist(ctx context.Context, token, userID string) error {
	query := `INSERT INTO jwt_tokens (token, user_id, blacklist, created_at)
		VALUES (?, ?, TRUE, ?)
		ON DUPLICATE KEY UPDATE blacklist = TRUE`

	_, err := r.db.ExecContext(ctx, query, token, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("blacklisting token: %w", err)
	}
	return nil
}
