// Package maintenance implements the periodic housekeeping jobs: expired
// OAuth token cleanup and password-expiry alert sweeps. The jobs run on
// demand behind cron-triggered endpoints guarded by a shared secret, so an
// external scheduler owns the timing.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UserAlert identifies a user due for a password-expiry notification.
type UserAlert struct {
	ID    string
	Email string
}

// Repository defines the data access contract for the maintenance jobs.
type Repository interface {
	// DeleteExpiredTokens removes oauth_tokens past their expiry and
	// returns how many rows went away.
	DeleteExpiredTokens(ctx context.Context) (int64, error)

	// UsersNeedingFirstAlert lists users without TOTP whose last password
	// reset predates the cutoff and who have not had the 30-day warning.
	UsersNeedingFirstAlert(ctx context.Context, before time.Time) ([]UserAlert, error)

	// UsersNeedingFinalAlert is the same for the 7-day warning.
	UsersNeedingFinalAlert(ctx context.Context, before time.Time) ([]UserAlert, error)

	MarkFirstAlerted(ctx context.Context, userID string) error
	MarkFinalAlerted(ctx context.Context, userID string) error
}

// repository implements Repository with hand-written MariaDB queries.
type repository struct {
	db *sql.DB
}

// NewRepository creates a maintenance repository backed by the given DB pool.
func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	query := `DELETE FROM oauth_tokens WHERE expires_at IS NOT NULL AND expires_at < ?`

	res, err := r.db.ExecContext(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	return res.RowsAffected()
}

func (r *repository) UsersNeedingFirstAlert(ctx context.Context, before time.Time) ([]UserAlert, error) {
	query := `SELECT id, email FROM users
		WHERE totp_enabled = FALSE
		AND password_alert_30 = FALSE
		AND last_password_reset IS NOT NULL
		AND last_password_reset < ?`
	return r.listAlerts(ctx, query, before)
}

func (r *repository) UsersNeedingFinalAlert(ctx context.Context, before time.Time) ([]UserAlert, error) {
	query := `SELECT id, email FROM users
		WHERE totp_enabled = FALSE
		AND password_alert_7 = FALSE
		AND last_password_reset IS NOT NULL
		AND last_password_reset < ?`
	return r.listAlerts(ctx, query, before)
}

func (r *repository) listAlerts(ctx context.Context, query string, before time.Time) ([]UserAlert, error) {
	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("listing alert candidates: %w", err)
	}
	defer rows.Close()

	var alerts []UserAlert
	for rows.Next() {
		var a UserAlert
		if err := rows.Scan(&a.ID, &a.Email); err != nil {
			return nil, fmt.Errorf("scanning alert candidate: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (r *repository) MarkFirstAlerted(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_alert_30 = TRUE WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("marking first alert: %w", err)
	}
	return nil
}

func (r *repository) MarkFinalAlerted(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_alert_7 = TRUE WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("marking final alert: %w", err)
	}
	return nil
}
