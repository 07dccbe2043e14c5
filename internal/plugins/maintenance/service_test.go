package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"
)

// --- Mocks ---

type mockRepo struct {
	deleteExpiredFn    func(ctx context.Context) (int64, error)
	firstAlertFn       func(ctx context.Context, before time.Time) ([]UserAlert, error)
	finalAlertFn       func(ctx context.Context, before time.Time) ([]UserAlert, error)
	markFirstAlertedFn func(ctx context.Context, userID string) error
	markFinalAlertedFn func(ctx context.Context, userID string) error
}

func (m *mockRepo) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	if m.deleteExpiredFn != nil {
		return m.deleteExpiredFn(ctx)
	}
	return 0, nil
}

func (m *mockRepo) UsersNeedingFirstAlert(ctx context.Context, before time.Time) ([]UserAlert, error) {
	if m.firstAlertFn != nil {
		return m.firstAlertFn(ctx, before)
	}
	return nil, nil
}

func (m *mockRepo) UsersNeedingFinalAlert(ctx context.Context, before time.Time) ([]UserAlert, error) {
	if m.finalAlertFn != nil {
		return m.finalAlertFn(ctx, before)
	}
	return nil, nil
}

func (m *mockRepo) MarkFirstAlerted(ctx context.Context, userID string) error {
	if m.markFirstAlertedFn != nil {
		return m.markFirstAlertedFn(ctx, userID)
	}
	return nil
}

func (m *mockRepo) MarkFinalAlerted(ctx context.Context, userID string) error {
	if m.markFinalAlertedFn != nil {
		return m.markFinalAlertedFn(ctx, userID)
	}
	return nil
}

type mockNotifier struct {
	sent []string
	err  error
}

func (m *mockNotifier) PasswordExpiryAlert(ctx context.Context, email string, daysLeft int) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, email)
	return nil
}

// --- Tests ---

func TestDeleteExpiredTokens(t *testing.T) {
	called := false
	repo := &mockRepo{
		deleteExpiredFn: func(ctx context.Context) (int64, error) {
			called = true
			return 42, nil
		},
	}

	svc := NewService(repo, nil)
	if err := svc.DeleteExpiredTokens(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected the delete to run")
	}
}

func TestPasswordExpiryAlerts_Cutoffs(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var firstBefore, finalBefore time.Time
	repo := &mockRepo{
		firstAlertFn: func(ctx context.Context, before time.Time) ([]UserAlert, error) {
			firstBefore = before
			return nil, nil
		},
		finalAlertFn: func(ctx context.Context, before time.Time) ([]UserAlert, error) {
			finalBefore = before
			return nil, nil
		},
	}

	svc := NewService(repo, nil).(*service)
	svc.now = func() time.Time { return now }

	if err := svc.PasswordExpiryAlerts(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := now.Add(-150 * 24 * time.Hour); !firstBefore.Equal(want) {
		t.Errorf("first alert cutoff: expected %v, got %v", want, firstBefore)
	}
	if want := now.Add(-173 * 24 * time.Hour); !finalBefore.Equal(want) {
		t.Errorf("final alert cutoff: expected %v, got %v", want, finalBefore)
	}
}

func TestPasswordExpiryAlerts_MarksAfterDelivery(t *testing.T) {
	var marked []string
	repo := &mockRepo{
		firstAlertFn: func(ctx context.Context, before time.Time) ([]UserAlert, error) {
			return []UserAlert{{ID: "user-1", Email: "a@example.com"}}, nil
		},
		markFirstAlertedFn: func(ctx context.Context, userID string) error {
			marked = append(marked, userID)
			return nil
		},
	}
	notifier := &mockNotifier{}

	svc := NewService(repo, notifier)
	if err := svc.PasswordExpiryAlerts(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(notifier.sent) != 1 || notifier.sent[0] != "a@example.com" {
		t.Errorf("expected one alert to a@example.com, got %v", notifier.sent)
	}
	if len(marked) != 1 || marked[0] != "user-1" {
		t.Errorf("expected user-1 marked, got %v", marked)
	}
}

func TestPasswordExpiryAlerts_FailedDeliveryNotMarked(t *testing.T) {
	repo := &mockRepo{
		firstAlertFn: func(ctx context.Context, before time.Time) ([]UserAlert, error) {
			return []UserAlert{{ID: "user-1", Email: "a@example.com"}}, nil
		},
		markFirstAlertedFn: func(ctx context.Context, userID string) error {
			t.Error("failed delivery must not set the alert flag")
			return nil
		},
	}

	svc := NewService(repo, &mockNotifier{err: errors.New("smtp down")})
	if err := svc.PasswordExpiryAlerts(context.Background()); err != nil {
		t.Fatalf("delivery failures are retried next run, not fatal: %v", err)
	}
}
