package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// Repository defines the data access contract for clients, grant tokens and
// consent records.
type Repository interface {
	FindClient(ctx context.Context, clientID string) (*Client, error)

	// IsAuthorized reports whether the user has previously approved the
	// client. Membership is strict: only an exact (user, client) pair counts.
	IsAuthorized(ctx context.Context, userID, clientID string) (bool, error)

	// RecordConsent appends the (user, client) pair. Idempotent.
	RecordConsent(ctx context.Context, userID, clientID string) error

	SaveToken(ctx context.Context, token *Token) error
	FindToken(ctx context.Context, token, kind string) (*Token, error)

	// ConsumeToken deletes the token row and reports whether this call won
	// it. Under concurrent exchanges of the same code at most one caller
	// sees true; everyone else must treat the grant as invalid.
	ConsumeToken(ctx context.Context, token, kind string) (bool, error)
}

// repository implements Repository with hand-written MariaDB queries.
type repository struct {
	db *sql.DB
}

// NewRepository creates an oauth repository backed by the given DB pool.
func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindClient(ctx context.Context, clientID string) (*Client, error) {
	query := `SELECT id, client_id, name, secret, redirect_uri
		FROM oauth_clients WHERE client_id = ?`

	var c Client
	err := r.db.QueryRowContext(ctx, query, clientID).
		Scan(&c.ID, &c.ClientID, &c.Name, &c.Secret, &c.RedirectURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("Client not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	return &c, nil
}

func (r *repository) IsAuthorized(ctx context.Context, userID, clientID string) (bool, error) {
	query := `SELECT COUNT(*) FROM authorized_clients WHERE user_id = ? AND client_id = ?`

	var count int
	err := r.db.QueryRowContext(ctx, query, userID, clientID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking consent: %w", err)
	}
	return count > 0, nil
}

func (r *repository) RecordConsent(ctx context.Context, userID, clientID string) error {
	query := `INSERT IGNORE INTO authorized_clients (user_id, client_id) VALUES (?, ?)`

	_, err := r.db.ExecContext(ctx, query, userID, clientID)
	if err != nil {
		return fmt.Errorf("recording consent: %w", err)
	}
	return nil
}

func (r *repository) SaveToken(ctx context.Context, token *Token) error {
	query := `INSERT INTO oauth_tokens (token, kind, client_id, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		token.Token, token.Kind, token.ClientID, token.UserID, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving oauth token: %w", err)
	}
	return nil
}

func (r *repository) FindToken(ctx context.Context, token, kind string) (*Token, error) {
	query := `SELECT token, kind, client_id, user_id, expires_at, created_at
		FROM oauth_tokens WHERE token = ? AND kind = ?`

	var t Token
	err := r.db.QueryRowContext(ctx, query, token, kind).
		Scan(&t.Token, &t.Kind, &t.ClientID, &t.UserID, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning oauth token: %w", err)
	}
	return &t, nil
}

// ConsumeToken relies on the DELETE row count as the atomicity primitive:
// two concurrent exchanges both SELECT the code, but only one DELETE
// affects a row.
func (r *repository) ConsumeToken(ctx context.Context, token, kind string) (bool, error) {
	query := `DELETE FROM oauth_tokens WHERE token = ? AND kind = ?`

	res, err := r.db.ExecContext(ctx, query, token, kind)
	if err != nil {
		return false, fmt.Errorf("consuming oauth token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return affected == 1, nil
}
