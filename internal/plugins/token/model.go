// Package token implements the JWT service: RS256 issuance and verification,
// the revocation store for non-expiring API keys, and the JWKS document that
// lets relying parties verify tokens offline.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Record is a stored JWT. Only non-expiring tokens (API keys) are persisted;
// expiring tokens are stateless and verified by signature alone. The stored
// row exists so an individual API key can be revoked, which a bare JWT
// cannot be.
type Record struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Blacklist bool      `json:"blacklist"`
	CreatedAt time.Time `json:"created_at"`
}

// Claims is the JWT payload. The principal id lives in "id" to stay
// compatible with tokens minted by earlier releases.
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// --- Request DTOs ---

// CreateTokenRequest is the body of POST /api/v1/jsonwebtoken. Exp is an
// optional unix timestamp; zero means a permanent API key.
type CreateTokenRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
	Exp      int64  `json:"exp" form:"exp"`
}

// DeleteTokenRequest is the body of DELETE /api/v1/jsonwebtoken.
type DeleteTokenRequest struct {
	Token string `json:"token" form:"token"`
}

// SignRequestRequest is the body of POST /api/v1/signrequest.
type SignRequestRequest struct {
	URL string `json:"url" form:"url"`
}
