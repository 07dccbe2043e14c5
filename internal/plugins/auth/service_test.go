package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// --- Mock Repositories ---

// mockUserRepo implements UserRepository for testing.
type mockUserRepo struct {
	findByEmailFn       func(ctx context.Context, email string) (*User, error)
	findByIDFn          func(ctx context.Context, id string) (*User, error)
	updateLastLoginFn   func(ctx context.Context, id string) error
	findTrustedDeviceFn func(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error)
	saveTrustedDeviceFn func(ctx context.Context, device *TrustedDevice) error
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, id)
	}
	return nil
}

func (m *mockUserRepo) FindTrustedDevice(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error) {
	if m.findTrustedDeviceFn != nil {
		return m.findTrustedDeviceFn(ctx, userID, fingerprint)
	}
	return nil, apperror.NewNotFound("trusted device not found")
}

func (m *mockUserRepo) SaveTrustedDevice(ctx context.Context, device *TrustedDevice) error {
	if m.saveTrustedDeviceFn != nil {
		return m.saveTrustedDeviceFn(ctx, device)
	}
	return nil
}

// mockFloodRepo implements FloodRepository for testing.
type mockFloodRepo struct {
	countSinceFn func(ctx context.Context, kind, identity string, since time.Time) (int, error)
	recordFn     func(ctx context.Context, kind, identity string) error
}

func (m *mockFloodRepo) CountSince(ctx context.Context, kind, identity string, since time.Time) (int, error) {
	if m.countSinceFn != nil {
		return m.countSinceFn(ctx, kind, identity, since)
	}
	return 0, nil
}

func (m *mockFloodRepo) Record(ctx context.Context, kind, identity string) error {
	if m.recordFn != nil {
		return m.recordFn(ctx, kind, identity)
	}
	return nil
}

// --- Test Helpers ---

func newTestService(users *mockUserRepo, flood *mockFloodRepo) *authService {
	return &authService{
		users: users,
		flood: NewFloodGuard(flood),
		now:   time.Now,
	}
}

// mustHash hashes a password or fails the test.
func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	return hash
}

// verifiedUser builds a user that passes every account-state check.
func verifiedUser(t *testing.T, password string) *User {
	t.Helper()
	reset := time.Now().Add(-24 * time.Hour)
	return &User{
		ID:                "user-1",
		Email:             "alice@example.com",
		PasswordHash:      mustHash(t, password),
		EmailVerified:     true,
		LastPasswordReset: &reset,
	}
}

// assertAppError checks that err is an *apperror.AppError with the expected code.
func assertAppError(t *testing.T, err error, expectedCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", expectedCode)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

// --- Verify Tests ---

func TestVerify_Success(t *testing.T) {
	user := verifiedUser(t, "correct horse")
	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			if email != "alice@example.com" {
				t.Errorf("expected lowercased email, got %q", email)
			}
			return user, nil
		},
	}

	svc := newTestService(users, &mockFloodRepo{})
	got, err := svc.Verify(context.Background(), "  Alice@Example.COM ", "correct horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("expected user %s, got %s", user.ID, got.ID)
	}
}

func TestVerify_UnknownEmail(t *testing.T) {
	recorded := 0
	flood := &mockFloodRepo{
		recordFn: func(ctx context.Context, kind, identity string) error {
			recorded++
			return nil
		},
	}

	svc := newTestService(&mockUserRepo{}, flood)
	_, err := svc.Verify(context.Background(), "nobody@example.com", "whatever")

	assertAppError(t, err, 401)
	if msg := apperror.SafeMessage(err); msg != "invalid email or password" {
		t.Errorf("enumeration-safe message expected, got %q", msg)
	}
	if recorded != 0 {
		t.Errorf("unknown email must not record a flood failure, recorded %d", recorded)
	}
}

func TestVerify_Lockout(t *testing.T) {
	// Correct credentials, but the flood window is already full: the
	// lockout must win.
	user := verifiedUser(t, "correct horse")
	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return user, nil
		},
	}
	flood := &mockFloodRepo{
		countSinceFn: func(ctx context.Context, kind, identity string, since time.Time) (int, error) {
			return 5, nil
		},
	}

	svc := newTestService(users, flood)
	_, err := svc.Verify(context.Background(), "alice@example.com", "correct horse")
	assertAppError(t, err, 429)
}

func TestVerify_LockoutBelowThreshold(t *testing.T) {
	user := verifiedUser(t, "correct horse")
	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return user, nil
		},
	}
	flood := &mockFloodRepo{
		countSinceFn: func(ctx context.Context, kind, identity string, since time.Time) (int, error) {
			return 4, nil
		},
	}

	svc := newTestService(users, flood)
	if _, err := svc.Verify(context.Background(), "alice@example.com", "correct horse"); err != nil {
		t.Fatalf("4 failures must not lock out: %v", err)
	}
}

func TestVerify_LockoutHidesExistence(t *testing.T) {
	// Locked-out response must be identical for unknown emails.
	flood := &mockFloodRepo{
		countSinceFn: func(ctx context.Context, kind, identity string, since time.Time) (int, error) {
			return 5, nil
		},
	}

	svc := newTestService(&mockUserRepo{}, flood)
	_, err := svc.Verify(context.Background(), "nobody@example.com", "whatever")
	assertAppError(t, err, 429)
}

func TestVerify_UnverifiedEmail(t *testing.T) {
	user := verifiedUser(t, "correct horse")
	user.EmailVerified = false

	recorded := 0
	flood := &mockFloodRepo{
		recordFn: func(ctx context.Context, kind, identity string) error {
			recorded++
			return nil
		},
	}
	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return user, nil
		},
	}

	svc := newTestService(users, flood)
	_, err := svc.Verify(context.Background(), "alice@example.com", "correct horse")

	assertAppError(t, err, 401)
	if msg := apperror.SafeMessage(err); msg != "Please verify your email address" {
		t.Errorf("unexpected message %q", msg)
	}
	if recorded != 0 {
		t.Errorf("unverified email must not record a flood failure, recorded %d", recorded)
	}
}

func TestVerify_ExpiredPassword(t *testing.T) {
	user := verifiedUser(t, "correct horse")
	old := time.Now().Add(-200 * 24 * time.Hour)
	user.LastPasswordReset = &old

	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return user, nil
		},
	}

	svc := newTestService(users, &mockFloodRepo{})
	_, err := svc.Verify(context.Background(), "alice@example.com", "correct horse")

	assertAppError(t, err, 401)
	if msg := apperror.SafeMessage(err); msg != "password is expired" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestVerify_TOTPExemptFromPasswordExpiry(t *testing.T) {
	user := verifiedUser(t, "correct horse")
	old := time.Now().Add(-400 * 24 * time.Hour)
	user.LastPasswordReset = &old
	user.TOTPEnabled = true

	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return user, nil
		},
	}

	svc := newTestService(users, &mockFloodRepo{})
	if _, err := svc.Verify(context.Background(), "alice@example.com", "correct horse"); err != nil {
		t.Fatalf("TOTP users are exempt from password rotation: %v", err)
	}
}

func TestVerify_WrongPassword(t *testing.T) {
	user := verifiedUser(t, "correct horse")

	recorded := 0
	flood := &mockFloodRepo{
		recordFn: func(ctx context.Context, kind, identity string) error {
			if kind != FloodLogin {
				t.Errorf("expected kind %q, got %q", FloodLogin, kind)
			}
			if identity != "alice@example.com" {
				t.Errorf("expected identity by email, got %q", identity)
			}
			recorded++
			return nil
		},
	}
	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return user, nil
		},
	}

	svc := newTestService(users, flood)
	_, err := svc.Verify(context.Background(), "alice@example.com", "wrong")

	assertAppError(t, err, 401)
	if msg := apperror.SafeMessage(err); msg != "invalid email or password" {
		t.Errorf("enumeration-safe message expected, got %q", msg)
	}
	if recorded != 1 {
		t.Errorf("password mismatch must record exactly one flood failure, recorded %d", recorded)
	}
}

func TestVerify_FloodCountError(t *testing.T) {
	flood := &mockFloodRepo{
		countSinceFn: func(ctx context.Context, kind, identity string, since time.Time) (int, error) {
			return 0, errors.New("db connection lost")
		},
	}

	svc := newTestService(&mockUserRepo{}, flood)
	_, err := svc.Verify(context.Background(), "alice@example.com", "pw")
	assertAppError(t, err, 500)
}

// --- VerifyTOTP Tests ---

func totpUser(t *testing.T, secret string) *User {
	t.Helper()
	user := verifiedUser(t, "pw")
	user.TOTPEnabled = true
	user.TOTPSecret = &secret
	return user
}

func TestVerifyTOTP_ValidCode(t *testing.T) {
	const secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	at := time.Unix(59, 0)

	svc := newTestService(&mockUserRepo{}, &mockFloodRepo{})
	svc.now = func() time.Time { return at }

	// RFC 6238 vector: T=59 with the SHA-1 test secret yields 287082.
	if err := svc.VerifyTOTP(context.Background(), totpUser(t, secret), "287082"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyTOTP_InvalidCode(t *testing.T) {
	recorded := 0
	flood := &mockFloodRepo{
		recordFn: func(ctx context.Context, kind, identity string) error {
			if kind != FloodTOTP {
				t.Errorf("expected kind %q, got %q", FloodTOTP, kind)
			}
			if identity != "user-1" {
				t.Errorf("expected identity by user id, got %q", identity)
			}
			recorded++
			return nil
		},
	}

	svc := newTestService(&mockUserRepo{}, flood)
	err := svc.VerifyTOTP(context.Background(), totpUser(t, "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"), "000000")

	assertAppError(t, err, 401)
	if recorded != 1 {
		t.Errorf("invalid code must record exactly one flood failure, recorded %d", recorded)
	}
}

func TestVerifyTOTP_MissingCode(t *testing.T) {
	recorded := 0
	flood := &mockFloodRepo{
		recordFn: func(ctx context.Context, kind, identity string) error {
			recorded++
			return nil
		},
	}

	svc := newTestService(&mockUserRepo{}, flood)
	err := svc.VerifyTOTP(context.Background(), totpUser(t, "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"), "")

	assertAppError(t, err, 401)
	if recorded != 0 {
		t.Errorf("missing code must not record a flood failure, recorded %d", recorded)
	}
}

func TestVerifyTOTP_Lockout(t *testing.T) {
	flood := &mockFloodRepo{
		countSinceFn: func(ctx context.Context, kind, identity string, since time.Time) (int, error) {
			return 5, nil
		},
	}

	svc := newTestService(&mockUserRepo{}, flood)
	err := svc.VerifyTOTP(context.Background(), totpUser(t, "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"), "287082")
	assertAppError(t, err, 429)
}

func TestVerifyTOTP_NotEnrolled(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockFloodRepo{})
	err := svc.VerifyTOTP(context.Background(), verifiedUser(t, "pw"), "123456")
	assertAppError(t, err, 400)
}

// --- Trusted Device Tests ---

func TestIsTrustedDevice_Match(t *testing.T) {
	const ua = "Mozilla/5.0 (X11; Linux x86_64)"
	users := &mockUserRepo{
		findTrustedDeviceFn: func(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error) {
			if fingerprint != deviceFingerprint(ua) {
				t.Errorf("unexpected fingerprint %q", fingerprint)
			}
			return &TrustedDevice{UserID: userID, Fingerprint: fingerprint, Secret: "s3cret"}, nil
		},
	}

	svc := newTestService(users, &mockFloodRepo{})
	if !svc.IsTrustedDevice(context.Background(), "user-1", ua, "s3cret") {
		t.Error("expected device to be trusted")
	}
}

func TestIsTrustedDevice_SecretMismatch(t *testing.T) {
	users := &mockUserRepo{
		findTrustedDeviceFn: func(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error) {
			return &TrustedDevice{Secret: "s3cret"}, nil
		},
	}

	svc := newTestService(users, &mockFloodRepo{})
	if svc.IsTrustedDevice(context.Background(), "user-1", "some-ua", "wrong") {
		t.Error("mismatched secret must not be trusted")
	}
}

func TestIsTrustedDevice_NoEntry(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockFloodRepo{})
	if svc.IsTrustedDevice(context.Background(), "user-1", "some-ua", "s3cret") {
		t.Error("unknown device must not be trusted")
	}
	if svc.IsTrustedDevice(context.Background(), "user-1", "some-ua", "") {
		t.Error("empty cookie must not be trusted")
	}
}

func TestTrustDevice_SavesAndReturnsSecret(t *testing.T) {
	var saved *TrustedDevice
	users := &mockUserRepo{
		saveTrustedDeviceFn: func(ctx context.Context, device *TrustedDevice) error {
			saved = device
			return nil
		},
	}

	svc := newTestService(users, &mockFloodRepo{})
	secret, err := svc.TrustDevice(context.Background(), "user-1", "some-ua")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret == "" {
		t.Fatal("expected a non-empty secret")
	}
	if saved == nil {
		t.Fatal("expected the device to be saved")
	}
	if saved.Secret != secret {
		t.Error("stored secret must match the returned cookie value")
	}
	if saved.Fingerprint != deviceFingerprint("some-ua") {
		t.Error("fingerprint must be derived from the user agent")
	}
}

// --- Authenticate Tests ---

func TestAuthenticate_TrustedDeviceSkipsTOTP(t *testing.T) {
	user := totpUser(t, "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ")
	user.PasswordHash = mustHash(t, "pw")

	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return user, nil
		},
		findTrustedDeviceFn: func(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error) {
			return &TrustedDevice{Secret: "trusted-secret"}, nil
		},
	}

	svc := newTestService(users, &mockFloodRepo{})
	got, err := svc.Authenticate(context.Background(), AuthenticateInput{
		Email:       "alice@example.com",
		Password:    "pw",
		UserAgent:   "some-ua",
		TrustSecret: "trusted-secret",
	})
	if err != nil {
		t.Fatalf("trusted device should skip the TOTP challenge: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("expected user %s, got %s", user.ID, got.ID)
	}
}

func TestAuthenticate_TOTPRequired(t *testing.T) {
	user := totpUser(t, "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ")
	user.PasswordHash = mustHash(t, "pw")

	users := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return user, nil
		},
	}

	svc := newTestService(users, &mockFloodRepo{})
	_, err := svc.Authenticate(context.Background(), AuthenticateInput{
		Email:    "alice@example.com",
		Password: "pw",
	})
	assertAppError(t, err, 401)
}

// --- Password Hashing Tests ---

func TestHashPassword_VerifyRoundtrip(t *testing.T) {
	hash := mustHash(t, "hunter2")

	if !verifyPassword("hunter2", hash) {
		t.Error("correct password must verify")
	}
	if verifyPassword("hunter3", hash) {
		t.Error("wrong password must not verify")
	}
	if verifyPassword("hunter2", "not-a-phc-string") {
		t.Error("malformed hash must not verify")
	}
}
