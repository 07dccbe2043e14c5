// Package oauth implements the OAuth2 grant engine: the authorize dialog
// with consent transactions, authorization-code and refresh-token exchange,
// and the OpenID discovery documents.
package oauth

import (
	"time"
)

// Token kinds stored in oauth_tokens. A token string is only meaningful
// together with its kind; lookups always key on the pair.
const (
	KindCode    = "code"
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Client is a registered OAuth2 relying party. Client records are managed
// out of band; the grant engine only reads them.
type Client struct {
	ID          string `json:"id"`
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Secret      string `json:"-"` // Never expose.
	RedirectURI string `json:"redirect_uri"`
}

// Token is a stored grant artifact: an authorization code, an access token,
// or a refresh token. Codes and access tokens expire; refresh tokens do not
// (ExpiresAt nil).
type Token struct {
	Token     string     `json:"token"`
	Kind      string     `json:"kind"`
	ClientID  string     `json:"client_id"`
	UserID    string     `json:"user_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the token is past its expiry. Tokens without an
// expiry never expire.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Transaction is one pending consent round-trip, parked in Redis between
// the authorize dialog and the decision. Single-use: the decision endpoint
// consumes it atomically.
type Transaction struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
	State       string `json:"state"`
	Nonce       string `json:"nonce"`
}

// --- Request / Response DTOs ---

// AuthorizeRequest holds the query parameters of GET /oauth/authorize.
type AuthorizeRequest struct {
	ResponseType string `query:"response_type" form:"response_type"`
	ClientID     string `query:"client_id" form:"client_id"`
	RedirectURI  string `query:"redirect_uri" form:"redirect_uri"`
	Scope        string `query:"scope" form:"scope"`
	State        string `query:"state" form:"state"`
	Nonce        string `query:"nonce" form:"nonce"`
}

// ConsentPrompt is returned when the user must approve the client first.
type ConsentPrompt struct {
	TransactionID string  `json:"transaction_id"`
	Client        *Client `json:"client"`
	Scope         string  `json:"scope"`
}

// AuthorizeResult is the outcome of the authorize dialog: either an
// immediate redirect (consent already on file) or a consent prompt.
type AuthorizeResult struct {
	RedirectURL string
	Consent     *ConsentPrompt
}

// DecisionRequest is the body of POST /oauth/authorize.
type DecisionRequest struct {
	TransactionID string `json:"transaction_id" form:"transaction_id"`
	Cancel        bool   `json:"cancel" form:"cancel"`
}

// TokenRequest is the body of POST /oauth/access_token.
type TokenRequest struct {
	GrantType    string `json:"grant_type" form:"grant_type"`
	Code         string `json:"code" form:"code"`
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
	ClientID     string `json:"client_id" form:"client_id"`
	ClientSecret string `json:"client_secret" form:"client_secret"`
}

// TokenResponse is the exchange response per RFC 6749 §5.1.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}
