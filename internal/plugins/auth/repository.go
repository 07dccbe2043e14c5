package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// UserRepository defines the data access contract for users and their
// trusted devices. The service layer depends on this interface, never on
// *sql.DB directly, which keeps business logic testable with mocks.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	UpdateLastLogin(ctx context.Context, id string) error

	FindTrustedDevice(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error)
	SaveTrustedDevice(ctx context.Context, device *TrustedDevice) error
}

// userRepository implements UserRepository with hand-written MariaDB queries.
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a user repository backed by the given DB pool.
func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

// userColumns is the canonical column list for scanning a User.
const userColumns = `id, email, given_name, family_name, password_hash,
	email_verified, totp_enabled, totp_secret, last_password_reset,
	password_alert_30, password_alert_7, created_at, last_login_at`

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, email))
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *userRepository) scanOne(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.GivenName, &u.FamilyName, &u.PasswordHash,
		&u.EmailVerified, &u.TOTPEnabled, &u.TOTPSecret, &u.LastPasswordReset,
		&u.PasswordAlert30, &u.PasswordAlert7, &u.CreatedAt, &u.LastLoginAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

func (r *userRepository) UpdateLastLogin(ctx context.Context, id string) error {
	query := `UPDATE users SET last_login_at = ? WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

func (r *userRepository) FindTrustedDevice(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error) {
	query := `SELECT user_id, ua_hash, secret, created_at
		FROM trusted_devices WHERE user_id = ? AND ua_hash = ?`

	var d TrustedDevice
	err := r.db.QueryRowContext(ctx, query, userID, fingerprint).
		Scan(&d.UserID, &d.Fingerprint, &d.Secret, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("trusted device not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trusted device: %w", err)
	}
	return &d, nil
}

// SaveTrustedDevice upserts the entry for (user, fingerprint). Re-trusting
// a device rotates its secret and resets the 30-day clock.
func (r *userRepository) SaveTrustedDevice(ctx context.Context, device *TrustedDevice) error {
	query := `INSERT INTO trusted_devices (user_id, ua_hash, secret, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE secret = VALUES(secret), created_at = VALUES(created_at)`

	_, err := r.db.ExecContext(ctx, query,
		device.UserID, device.Fingerprint, device.Secret, device.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving trusted device: %w", err)
	}
	return nil
}
