package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// SessionCookie is the name of the cookie carrying the signed capsule.
const SessionCookie = "hid_session"

// Capsule is the login state carried across the login -> TOTP -> authorize
// redirect chain. It lives client-side in a signed cookie; the server keeps
// no session record. TOTPPassed distinguishes a half-logged-in user (password
// accepted, second factor pending) from a fully authenticated one.
type Capsule struct {
	UserID     string    `json:"user_id"`
	TOTPPassed bool      `json:"totp_passed"`
	IssuedAt   time.Time `json:"issued_at"`
}

// CapsuleCodec signs and verifies session capsules with HMAC-SHA256.
type CapsuleCodec struct {
	secret []byte
	maxAge time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewCapsuleCodec creates a codec keyed by the server secret. Capsules older
// than maxAge are rejected on decode.
func NewCapsuleCodec(secret string, maxAge time.Duration) *CapsuleCodec {
	return &CapsuleCodec{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Encode serializes and signs a capsule. Output format:
// base64url(JSON payload) + "." + base64url(HMAC-SHA256(secret, payload)).
func (cc *CapsuleCodec) Encode(capsule Capsule) (string, error) {
	if capsule.IssuedAt.IsZero() {
		capsule.IssuedAt = cc.now().UTC()
	}

	payload, err := json.Marshal(capsule)
	if err != nil {
		return "", fmt.Errorf("marshaling capsule: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := cc.sign(payload)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Decode verifies the signature and age of an encoded capsule. Any
// malformed, tampered, or aged-out value yields Unauthorized -- callers
// treat all three identically (no session).
func (cc *CapsuleCodec) Decode(value string) (*Capsule, error) {
	payloadPart, macPart, ok := strings.Cut(value, ".")
	if !ok {
		return nil, apperror.NewUnauthorized("invalid session")
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, apperror.NewUnauthorized("invalid session")
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return nil, apperror.NewUnauthorized("invalid session")
	}

	// Constant-time MAC check before trusting any payload content.
	if !hmac.Equal(mac, cc.sign(payload)) {
		return nil, apperror.NewUnauthorized("invalid session")
	}

	var capsule Capsule
	if err := json.Unmarshal(payload, &capsule); err != nil {
		return nil, apperror.NewUnauthorized("invalid session")
	}

	if cc.now().Sub(capsule.IssuedAt) > cc.maxAge {
		return nil, apperror.NewUnauthorized("session expired")
	}

	return &capsule, nil
}

func (cc *CapsuleCodec) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, cc.secret)
	h.Write(payload)
	return h.Sum(nil)
}

// WriteSessionCookie sets the capsule cookie on the response. The cookie is
// HttpOnly and Lax: only the server reads it, and it never needs to ride a
// cross-site POST.
func WriteSessionCookie(c echo.Context, value string, maxAge time.Duration) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the capsule cookie.
func ClearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// ReadSession decodes the capsule cookie from the request. Returns
// Unauthorized when the cookie is absent or invalid.
func ReadSession(c echo.Context, codec *CapsuleCodec) (*Capsule, error) {
	cookie, err := c.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, apperror.NewUnauthorized("not logged in")
	}
	return codec.Decode(cookie.Value)
}
