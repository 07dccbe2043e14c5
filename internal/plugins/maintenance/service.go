package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Alert cutoffs relative to the 6-month password expiry: the first warning
// goes out when a password is 5 months old, the final one at 173 days
// (7 days before expiry).
const (
	firstAlertAge = 150 * 24 * time.Hour
	finalAlertAge = 173 * 24 * time.Hour
)

// Notifier delivers password-expiry warnings. Outbound email is owned by
// another system; the default implementation just logs.
type Notifier interface {
	PasswordExpiryAlert(ctx context.Context, email string, daysLeft int) error
}

// LogNotifier is the default Notifier: it records the alert and does
// nothing else.
type LogNotifier struct{}

func (LogNotifier) PasswordExpiryAlert(ctx context.Context, email string, daysLeft int) error {
	slog.Info("password expiry alert",
		slog.String("email", email),
		slog.Int("days_left", daysLeft),
	)
	return nil
}

// Service runs the maintenance jobs.
type Service interface {
	DeleteExpiredTokens(ctx context.Context) error
	PasswordExpiryAlerts(ctx context.Context) error
}

// service implements Service.
type service struct {
	repo     Repository
	notifier Notifier

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates a maintenance service. A nil notifier falls back to
// LogNotifier.
func NewService(repo Repository, notifier Notifier) Service {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &service{repo: repo, notifier: notifier, now: time.Now}
}

func (s *service) DeleteExpiredTokens(ctx context.Context) error {
	deleted, err := s.repo.DeleteExpiredTokens(ctx)
	if err != nil {
		return fmt.Errorf("token cleanup: %w", err)
	}
	slog.Info("expired oauth tokens deleted", slog.Int64("count", deleted))
	return nil
}

// PasswordExpiryAlerts sweeps both warning tiers. The alert flag is only
// set after a successful notification, so a failed delivery is retried on
// the next run.
func (s *service) PasswordExpiryAlerts(ctx context.Context) error {
	now := s.now()

	first, err := s.repo.UsersNeedingFirstAlert(ctx, now.Add(-firstAlertAge))
	if err != nil {
		return fmt.Errorf("listing first alerts: %w", err)
	}
	for _, u := range first {
		if err := s.notifier.PasswordExpiryAlert(ctx, u.Email, 30); err != nil {
			slog.Warn("password alert delivery failed",
				slog.String("email", u.Email), slog.Any("error", err))
			continue
		}
		if err := s.repo.MarkFirstAlerted(ctx, u.ID); err != nil {
			return fmt.Errorf("marking first alert: %w", err)
		}
	}

	final, err := s.repo.UsersNeedingFinalAlert(ctx, now.Add(-finalAlertAge))
	if err != nil {
		return fmt.Errorf("listing final alerts: %w", err)
	}
	for _, u := range final {
		if err := s.notifier.PasswordExpiryAlert(ctx, u.Email, 7); err != nil {
			slog.Warn("password alert delivery failed",
				slog.String("email", u.Email), slog.Any("error", err))
			continue
		}
		if err := s.repo.MarkFinalAlerted(ctx, u.ID); err != nil {
			return fmt.Errorf("marking final alert: %w", err)
		}
	}

	slog.Info("password expiry sweep finished",
		slog.Int("first_alerts", len(first)),
		slog.Int("final_alerts", len(final)),
	)
	return nil
}
