package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
	"github.com/humanitarian-id/hid-auth/internal/config"
)

// mockAuthService implements AuthService for handler tests.
type mockAuthService struct {
	verifyFn          func(ctx context.Context, email, password string) (*User, error)
	verifyTOTPFn      func(ctx context.Context, user *User, code string) error
	isTrustedDeviceFn func(ctx context.Context, userID, userAgent, cookieSecret string) bool
	trustDeviceFn     func(ctx context.Context, userID, userAgent string) (string, error)
	authenticateFn    func(ctx context.Context, input AuthenticateInput) (*User, error)
	getUserFn         func(ctx context.Context, id string) (*User, error)
}

func (m *mockAuthService) Verify(ctx context.Context, email, password string) (*User, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, email, password)
	}
	return nil, apperror.NewUnauthorized("invalid email or password")
}

func (m *mockAuthService) VerifyTOTP(ctx context.Context, user *User, code string) error {
	if m.verifyTOTPFn != nil {
		return m.verifyTOTPFn(ctx, user, code)
	}
	return apperror.NewUnauthorized("Invalid TOTP token")
}

func (m *mockAuthService) IsTrustedDevice(ctx context.Context, userID, userAgent, cookieSecret string) bool {
	if m.isTrustedDeviceFn != nil {
		return m.isTrustedDeviceFn(ctx, userID, userAgent, cookieSecret)
	}
	return false
}

func (m *mockAuthService) TrustDevice(ctx context.Context, userID, userAgent string) (string, error) {
	if m.trustDeviceFn != nil {
		return m.trustDeviceFn(ctx, userID, userAgent)
	}
	return "", apperror.NewInternal(nil)
}

func (m *mockAuthService) Authenticate(ctx context.Context, input AuthenticateInput) (*User, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, input)
	}
	return nil, apperror.NewUnauthorized("invalid email or password")
}

func (m *mockAuthService) GetUser(ctx context.Context, id string) (*User, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, id)
	}
	return nil, apperror.NewNotFound("user not found")
}

func newTestHandler(svc AuthService) (*AuthHandler, *CapsuleCodec) {
	codec := NewCapsuleCodec("a-very-secret-signing-key", 24*time.Hour)
	cfg := config.AuthConfig{
		SessionMaxAge:    24 * time.Hour,
		TrustedDeviceTTL: 30 * 24 * time.Hour,
	}
	return NewAuthHandler(svc, codec, cfg), codec
}

// loginContext builds an echo context for a form POST to /login.
func loginContext(form url.Values) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

// sessionCapsule decodes the capsule cookie set on the response, failing the
// test when none was written.
func sessionCapsule(t *testing.T, rec *httptest.ResponseRecorder, codec *CapsuleCodec) *Capsule {
	t.Helper()
	res := http.Response{Header: rec.Header()}
	for _, cookie := range res.Cookies() {
		if cookie.Name == SessionCookie {
			capsule, err := codec.Decode(cookie.Value)
			if err != nil {
				t.Fatalf("decoding session cookie: %v", err)
			}
			return capsule
		}
	}
	t.Fatal("no session cookie set on the response")
	return nil
}

func totpEnabledUser() *User {
	return &User{
		ID:            "user-1",
		Email:         "alice@example.com",
		EmailVerified: true,
		TOTPEnabled:   true,
	}
}

func TestLogin_TOTPChallenge(t *testing.T) {
	// Enrolled account, no trusted device, no code yet: the response must be
	// a challenge with a half-authenticated capsule, not a redirect.
	verifyTOTPCalled := false
	svc := &mockAuthService{
		verifyFn: func(ctx context.Context, email, password string) (*User, error) {
			return totpEnabledUser(), nil
		},
		verifyTOTPFn: func(ctx context.Context, user *User, code string) error {
			verifyTOTPCalled = true
			return nil
		},
	}
	h, codec := newTestHandler(svc)

	c, rec := loginContext(url.Values{
		"email":    {"alice@example.com"},
		"password": {"correct horse"},
	})
	if err := h.Login(c); err != nil {
		t.Fatalf("login: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 challenge, got %d", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding challenge body: %v", err)
	}
	if !body["totp_required"] {
		t.Errorf("expected totp_required true, got %v", body)
	}
	if verifyTOTPCalled {
		t.Error("first round must not attempt TOTP verification")
	}

	capsule := sessionCapsule(t, rec, codec)
	if capsule.UserID != "user-1" {
		t.Errorf("expected capsule for user-1, got %s", capsule.UserID)
	}
	if capsule.TOTPPassed {
		t.Error("challenge capsule must not be fully authenticated")
	}
}

func TestLogin_TrustedDeviceSkipsChallenge(t *testing.T) {
	verifyTOTPCalled := false
	svc := &mockAuthService{
		verifyFn: func(ctx context.Context, email, password string) (*User, error) {
			return totpEnabledUser(), nil
		},
		isTrustedDeviceFn: func(ctx context.Context, userID, userAgent, cookieSecret string) bool {
			return cookieSecret == "device-secret"
		},
		verifyTOTPFn: func(ctx context.Context, user *User, code string) error {
			verifyTOTPCalled = true
			return nil
		},
	}
	h, codec := newTestHandler(svc)

	c, rec := loginContext(url.Values{
		"email":    {"alice@example.com"},
		"password": {"correct horse"},
	})
	c.Request().AddCookie(&http.Cookie{Name: TrustCookie, Value: "device-secret"})

	if err := h.Login(c); err != nil {
		t.Fatalf("login: %v", err)
	}

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 redirect, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/user" {
		t.Errorf("expected redirect to /user, got %s", loc)
	}
	if verifyTOTPCalled {
		t.Error("trusted device must skip the TOTP challenge")
	}

	if capsule := sessionCapsule(t, rec, codec); !capsule.TOTPPassed {
		t.Error("trusted-device login must yield a fully authenticated capsule")
	}
}

func TestLogin_CapsuleResumeWithCode(t *testing.T) {
	// Second round of the challenge: no credentials, the half capsule
	// identifies the user and the submitted code completes the login.
	var verifiedCode string
	svc := &mockAuthService{
		getUserFn: func(ctx context.Context, id string) (*User, error) {
			if id != "user-1" {
				t.Errorf("expected lookup of user-1, got %s", id)
			}
			return totpEnabledUser(), nil
		},
		verifyTOTPFn: func(ctx context.Context, user *User, code string) error {
			verifiedCode = code
			return nil
		},
	}
	h, codec := newTestHandler(svc)

	half, err := codec.Encode(Capsule{UserID: "user-1", TOTPPassed: false})
	if err != nil {
		t.Fatalf("encoding capsule: %v", err)
	}

	c, rec := loginContext(url.Values{"x-hid-totp": {"123456"}})
	c.Request().AddCookie(&http.Cookie{Name: SessionCookie, Value: half})

	if err := h.Login(c); err != nil {
		t.Fatalf("login: %v", err)
	}

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 redirect, got %d", rec.Code)
	}
	if verifiedCode != "123456" {
		t.Errorf("expected the submitted code to be verified, got %q", verifiedCode)
	}
	if capsule := sessionCapsule(t, rec, codec); !capsule.TOTPPassed {
		t.Error("completed challenge must yield a fully authenticated capsule")
	}
}

func TestTrustDevice_CookieSecureFollowsScheme(t *testing.T) {
	svc := &mockAuthService{
		trustDeviceFn: func(ctx context.Context, userID, userAgent string) (string, error) {
			return "device-secret", nil
		},
	}
	h, _ := newTestHandler(svc)

	trustCookie := func(forwardedProto string) *http.Cookie {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/totp/device", nil)
		if forwardedProto != "" {
			req.Header.Set(echo.HeaderXForwardedProto, forwardedProto)
		}
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.Set("user_id", "user-1")

		if err := h.TrustDevice(c); err != nil {
			t.Fatalf("trust device: %v", err)
		}
		res := http.Response{Header: rec.Header()}
		for _, cookie := range res.Cookies() {
			if cookie.Name == TrustCookie {
				return cookie
			}
		}
		t.Fatal("no trust cookie set on the response")
		return nil
	}

	// Plain-HTTP development must not mark the cookie Secure, or the
	// browser drops it and every login re-prompts for TOTP.
	if cookie := trustCookie(""); cookie.Secure {
		t.Error("trust cookie must not be Secure over plain HTTP")
	}
	if cookie := trustCookie("https"); !cookie.Secure {
		t.Error("trust cookie must be Secure behind TLS")
	}
}

func TestLogin_ChallengePreservesOAuthDestination(t *testing.T) {
	svc := &mockAuthService{
		verifyFn: func(ctx context.Context, email, password string) (*User, error) {
			user := totpEnabledUser()
			user.TOTPEnabled = false
			return user, nil
		},
	}
	h, _ := newTestHandler(svc)

	c, rec := loginContext(url.Values{
		"email":         {"alice@example.com"},
		"password":      {"correct horse"},
		"response_type": {"code"},
		"client_id":     {"web-app"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"state":         {"xyz"},
	})
	if err := h.Login(c); err != nil {
		t.Fatalf("login: %v", err)
	}

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 redirect, got %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing redirect: %v", err)
	}
	if loc.Path != "/oauth/authorize" {
		t.Errorf("expected redirect into the authorize flow, got %s", loc.Path)
	}
	q := loc.Query()
	if q.Get("client_id") != "web-app" || q.Get("state") != "xyz" {
		t.Errorf("authorize parameters not preserved: %s", loc.RawQuery)
	}
}
