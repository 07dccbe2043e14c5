package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/errgroup"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// argon2id parameters following OWASP recommendations for argon2id:
// memory=64MB, iterations=3, parallelism=4.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB in KiB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// AuthService defines the business logic contract for authentication.
// Handlers call these methods -- they never touch the repositories directly.
type AuthService interface {
	// Verify checks email/password and account state. It is the PASSWORD_OK
	// gate: flood lockout, existence, email verification, password expiry,
	// then the hash comparison.
	Verify(ctx context.Context, email, password string) (*User, error)

	// VerifyTOTP checks a submitted code for a user with TOTP enrolled,
	// under the same flood discipline as login (kind "totp").
	VerifyTOTP(ctx context.Context, user *User, code string) error

	// IsTrustedDevice reports whether the request's device is exempt from
	// the TOTP challenge: the user has a trusted-device entry for this
	// User-Agent whose secret matches the cookie value.
	IsTrustedDevice(ctx context.Context, userID, userAgent, cookieSecret string) bool

	// TrustDevice stores (or rotates) the trusted-device entry for this
	// User-Agent and returns the secret to set as the trust cookie.
	TrustDevice(ctx context.Context, userID, userAgent string) (string, error)

	// Authenticate runs the full machine in one shot for non-interactive
	// callers: password, then TOTP challenge unless the device is trusted.
	Authenticate(ctx context.Context, input AuthenticateInput) (*User, error)

	// GetUser loads a user by id (for the capsule -> user resolution).
	GetUser(ctx context.Context, id string) (*User, error)
}

// AuthenticateInput is the single-shot authentication request used by the
// API token endpoint, where the TOTP code travels in a header instead of a
// second form submission.
type AuthenticateInput struct {
	Email       string
	Password    string
	TOTPCode    string
	UserAgent   string
	TrustSecret string
}

// authService implements AuthService.
type authService struct {
	users UserRepository
	flood *FloodGuard

	// now is swappable in tests.
	now func() time.Time
}

// NewAuthService creates a new auth service with the given dependencies.
func NewAuthService(users UserRepository, flood *FloodGuard) AuthService {
	return &authService{
		users: users,
		flood: flood,
		now:   time.Now,
	}
}

// Verify authenticates email/password. The flood count and the user lookup
// are independent queries, so they run concurrently; the lockout is always
// evaluated first so the response is identical whether or not the email
// exists.
func (s *authService) Verify(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperror.NewBadRequest("email and password are required")
	}

	var (
		floodCount int
		user       *User
		lookupErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		count, err := s.flood.Count(gctx, FloodLogin, email)
		if err != nil {
			return fmt.Errorf("flood count: %w", err)
		}
		floodCount = count
		return nil
	})
	g.Go(func() error {
		// Lookup failures (including not-found) are captured, not returned,
		// so they can't cancel the flood count via the group context.
		user, lookupErr = s.users.FindByEmail(gctx, email)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, apperror.NewInternal(err)
	}

	// Lockout first. Must not leak whether the email exists.
	if err := s.flood.Evaluate(FloodLogin, email, floodCount); err != nil {
		return nil, err
	}

	if lookupErr != nil {
		if apperror.SafeCode(lookupErr) == 404 {
			s.logSecurityFail("login attempt for unknown email", email)
			return nil, apperror.NewUnauthorized("invalid email or password")
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding user: %w", lookupErr))
	}

	if !user.EmailVerified {
		s.logSecurityFail("login attempt with unverified email", email)
		return nil, apperror.NewUnauthorized("Please verify your email address")
	}

	if user.IsPasswordExpired() {
		s.logSecurityFail("login attempt with expired password", email)
		return nil, apperror.NewUnauthorized("password is expired")
	}

	if !verifyPassword(password, user.PasswordHash) {
		// A mismatch is the only rejection that counts toward the lockout.
		if err := s.flood.RecordFailure(ctx, FloodLogin, email); err != nil {
			slog.Error("failed to record flood failure", slog.Any("error", err))
		}
		s.logSecurityFail("wrong password", email)
		return nil, apperror.NewUnauthorized("invalid email or password")
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		// Non-critical bookkeeping.
		slog.Warn("failed to update last login",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}

	slog.Info("user authenticated",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)
	return user, nil
}

// VerifyTOTP validates the submitted code for a user with TOTP enrolled,
// flood-gated per user id.
func (s *authService) VerifyTOTP(ctx context.Context, user *User, code string) error {
	if !user.TOTPEnabled || user.TOTPSecret == nil {
		return apperror.NewBadRequest("TOTP is not enabled for this account")
	}

	if err := s.flood.Check(ctx, FloodTOTP, user.ID); err != nil {
		return err
	}

	if code == "" {
		return apperror.NewUnauthorized("No TOTP token provided")
	}

	if !verifyTOTPCode(*user.TOTPSecret, code, s.now()) {
		if err := s.flood.RecordFailure(ctx, FloodTOTP, user.ID); err != nil {
			slog.Error("failed to record flood failure", slog.Any("error", err))
		}
		s.logSecurityFail("invalid TOTP code", user.Email)
		return apperror.NewUnauthorized("Invalid TOTP token")
	}

	return nil
}

// IsTrustedDevice checks the trust cookie against the stored entry for this
// User-Agent. Any failure (no entry, mismatch, storage error) means not
// trusted; the caller just falls back to the TOTP challenge.
func (s *authService) IsTrustedDevice(ctx context.Context, userID, userAgent, cookieSecret string) bool {
	if cookieSecret == "" || userAgent == "" {
		return false
	}

	device, err := s.users.FindTrustedDevice(ctx, userID, deviceFingerprint(userAgent))
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(device.Secret), []byte(cookieSecret)) == 1
}

// TrustDevice records this User-Agent as trusted and returns the new cookie
// secret.
func (s *authService) TrustDevice(ctx context.Context, userID, userAgent string) (string, error) {
	if userAgent == "" {
		return "", apperror.NewBadRequest("missing user agent")
	}

	secret := uuid.NewString()
	device := &TrustedDevice{
		UserID:      userID,
		Fingerprint: deviceFingerprint(userAgent),
		Secret:      secret,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.users.SaveTrustedDevice(ctx, device); err != nil {
		return "", apperror.NewInternal(err)
	}

	slog.Info("device trusted",
		slog.String("user_id", userID),
		slog.String("ua_hash", device.Fingerprint),
	)
	return secret, nil
}

// Authenticate is the non-interactive path: password check, then the TOTP
// challenge unless the device is trusted.
func (s *authService) Authenticate(ctx context.Context, input AuthenticateInput) (*User, error) {
	user, err := s.Verify(ctx, input.Email, input.Password)
	if err != nil {
		return nil, err
	}

	if !user.TOTPEnabled {
		return user, nil
	}

	if s.IsTrustedDevice(ctx, user.ID, input.UserAgent, input.TrustSecret) {
		return user, nil
	}

	if err := s.VerifyTOTP(ctx, user, input.TOTPCode); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *authService) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return nil, apperror.NewUnauthorized("user no longer exists")
		}
		return nil, apperror.NewInternal(err)
	}
	return user, nil
}

// logSecurityFail logs an authentication failure with the audit attributes
// the rest of the codebase greps for.
func (s *authService) logSecurityFail(msg, identity string) {
	slog.Warn(msg,
		slog.String("identity", identity),
		slog.Bool("security", true),
		slog.Bool("fail", true),
	)
}

// --- Password Hashing (argon2id) ---

// HashPassword creates an argon2id hash of the given password. The output
// format is: $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
// This format is compatible with most argon2 libraries and allows self-
// contained verification without separate salt storage.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads, b64Salt, b64Hash)

	return encoded, nil
}

// verifyPassword checks a plaintext password against an argon2id hash string.
// Returns true if the password matches.
func verifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false
	}

	var memory uint32
	var iterations uint32
	var parallelism uint8
	_, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism)
	if err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}

	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expectedHash)))

	// Constant-time comparison to prevent timing attacks.
	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1
}
