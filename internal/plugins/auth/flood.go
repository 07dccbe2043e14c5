package auth

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// Flood guard policy: an identity is locked out once it accumulates
// floodThreshold failures of the same kind within floodWindow. Records are
// append-only; aging out of the query window is all the cleanup correctness
// needs.
const (
	floodWindow    = 5 * time.Minute
	floodThreshold = 5
)

// Flood record kinds. The pair (kind, identity) is the lockout key:
// login failures count against the email, TOTP failures against the user id.
const (
	FloodLogin = "login"
	FloodTOTP  = "totp"
)

// FloodRepository is the data access contract for flood records.
type FloodRepository interface {
	// CountSince counts records of the given kind and identity created at or
	// after the since timestamp.
	CountSince(ctx context.Context, kind, identity string, since time.Time) (int, error)

	// Record appends a new failure record.
	Record(ctx context.Context, kind, identity string) error
}

// floodRepository implements FloodRepository with hand-written MariaDB queries.
type floodRepository struct {
	db *sql.DB
}

// NewFloodRepository creates a flood repository backed by the given DB pool.
func NewFloodRepository(db *sql.DB) FloodRepository {
	return &floodRepository{db: db}
}

func (r *floodRepository) CountSince(ctx context.Context, kind, identity string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM flood_records WHERE kind = ? AND identity = ? AND created_at >= ?`

	var count int
	err := r.db.QueryRowContext(ctx, query, kind, identity, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting flood records: %w", err)
	}
	return count, nil
}

func (r *floodRepository) Record(ctx context.Context, kind, identity string) error {
	query := `INSERT INTO flood_records (kind, identity, created_at) VALUES (?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, kind, identity, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting flood record: %w", err)
	}
	return nil
}

// FloodGuard enforces the brute-force lockout policy over a FloodRepository.
// It must be consulted before any branch that could reveal whether an
// identity exists, so the lockout responds identically either way.
type FloodGuard struct {
	repo FloodRepository

	// now is swappable in tests.
	now func() time.Time
}

// NewFloodGuard creates a flood guard over the given repository.
func NewFloodGuard(repo FloodRepository) *FloodGuard {
	return &FloodGuard{repo: repo, now: time.Now}
}

// Check returns a RateLimited error when the identity has reached the
// failure threshold inside the trailing window. The count itself is also
// returned so callers that already fetched it can reuse Evaluate directly.
func (g *FloodGuard) Check(ctx context.Context, kind, identity string) error {
	count, err := g.Count(ctx, kind, identity)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("flood check: %w", err))
	}
	return g.Evaluate(kind, identity, count)
}

// Count returns the number of recent failures for (kind, identity).
func (g *FloodGuard) Count(ctx context.Context, kind, identity string) (int, error) {
	return g.repo.CountSince(ctx, kind, identity, g.now().Add(-floodWindow))
}

// Evaluate applies the threshold to an already-fetched count. Split out so
// the login path can run the count concurrently with the user lookup and
// still evaluate the lockout first.
func (g *FloodGuard) Evaluate(kind, identity string, count int) error {
	if count < floodThreshold {
		return nil
	}
	slog.Warn("account locked for 5 minutes",
		slog.String("kind", kind),
		slog.String("identity", identity),
		slog.Bool("security", true),
		slog.Bool("fail", true),
	)
	return apperror.NewRateLimited("Your account has been locked for 5 minutes because of too many requests.")
}

// RecordFailure appends a failure record. Called only after a verification
// failure, never on success.
func (g *FloodGuard) RecordFailure(ctx context.Context, kind, identity string) error {
	if err := g.repo.Record(ctx, kind, identity); err != nil {
		return apperror.NewInternal(err)
	}
	return nil
}
