// Package auth implements the interactive authentication core: password
// verification with flood protection, the TOTP second factor with trusted
// device exemptions, and the signed session capsule that carries login state
// across the login -> TOTP -> OAuth2 authorize redirect chain.
//
// This is a CORE plugin -- always enabled, cannot be disabled.
package auth

import (
	"time"
)

// passwordMaxAge is how long a password stays valid for accounts without
// TOTP enabled. Accounts with a second factor are exempt from forced
// password rotation.
const passwordMaxAge = 180 * 24 * time.Hour

// User represents a registered principal. This is the domain model used
// throughout the application. Database scanning and JSON marshaling use this
// struct directly.
type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	GivenName         string     `json:"given_name,omitempty"`
	FamilyName        string     `json:"family_name,omitempty"`
	PasswordHash      string     `json:"-"` // Never expose in JSON responses.
	EmailVerified     bool       `json:"email_verified"`
	TOTPEnabled       bool       `json:"totp"`
	TOTPSecret        *string    `json:"-"` // Never expose.
	LastPasswordReset *time.Time `json:"-"`
	PasswordAlert30   bool       `json:"-"`
	PasswordAlert7    bool       `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
}

// IsPasswordExpired reports whether the user's password has aged out under
// the rotation policy. Users with TOTP enabled are exempt. A user that has
// never reset their password counts as expired.
func (u *User) IsPasswordExpired() bool {
	if u.TOTPEnabled {
		return false
	}
	if u.LastPasswordReset == nil {
		return true
	}
	return time.Since(*u.LastPasswordReset) > passwordMaxAge
}

// TrustedDevice is a device exempted from repeated TOTP prompts. The
// fingerprint is a SHA-256 hex digest of the User-Agent; the secret is
// mirrored in the x-hid-totp-trust cookie and both sides must match.
type TrustedDevice struct {
	UserID      string
	Fingerprint string
	Secret      string
	CreatedAt   time.Time
}

// --- Request DTOs (bound from HTTP requests) ---

// LoginRequest holds the data submitted by the login form. Alongside the
// credentials it carries the OAuth2 query parameters so the authorization
// flow can resume after login, plus the TOTP fields for the second step.
type LoginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`

	// Second factor fields (PASSWORD_OK -> AUTHENTICATED transition).
	TOTPCode    string `json:"x-hid-totp" form:"x-hid-totp"`
	TrustDevice bool   `json:"x-hid-totp-trust" form:"x-hid-totp-trust"`

	// OAuth2 pass-through parameters.
	ResponseType string `json:"response_type" form:"response_type"`
	Redirect     string `json:"redirect" form:"redirect"`
	ClientID     string `json:"client_id" form:"client_id"`
	RedirectURI  string `json:"redirect_uri" form:"redirect_uri"`
	Scope        string `json:"scope" form:"scope"`
	State        string `json:"state" form:"state"`
	Nonce        string `json:"nonce" form:"nonce"`
}
