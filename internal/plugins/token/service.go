package token

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// Service defines the business logic contract for JWT handling.
type Service interface {
	// Issue signs a token for the user. ttl = 0 mints a permanent API key,
	// which MUST be persisted before it is returned: a non-expiring token
	// that isn't in the revocation store could never be revoked.
	Issue(ctx context.Context, userID string, ttl time.Duration) (string, error)

	// Verify checks signature and expiry and returns the claims.
	Verify(tokenString string) (*Claims, error)

	// VerifyForAuth is Verify plus the revocation check: a stored record
	// with blacklist = true rejects the token even though its signature is
	// still valid.
	VerifyForAuth(ctx context.Context, tokenString string) (*Claims, error)

	// Blacklist revokes a stored token. Fails with Forbidden when the
	// token does not belong to the requester. Idempotent.
	Blacklist(ctx context.Context, tokenString, requesterID string) (*Record, error)

	// ListAPIKeys returns the user's stored tokens.
	ListAPIKeys(ctx context.Context, userID string) ([]Record, error)

	// JWKS returns the public key set relying parties verify against.
	JWKS() JWKS
}

// JWKS is the JSON Web Key Set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single RSA public key in JWK form. Built by hand from
// rsa.PublicKey: the fields are just base64url big-endian integers.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// service implements Service.
type service struct {
	repo   Repository
	key    *rsa.PrivateKey
	issuer string
	kid    string

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates a token service signing with the given RSA key. The
// issuer goes into the "iss" claim and must match the OpenID discovery
// document.
func NewService(repo Repository, key *rsa.PrivateKey, issuer string) Service {
	return &service{
		repo:   repo,
		key:    key,
		issuer: issuer,
		kid:    keyID(&key.PublicKey),
		now:    time.Now,
	}
}

func (s *service) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid

	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("signing token: %w", err))
	}

	// Permanent tokens are unboundedly replayable, so the revocation record
	// is mandatory. If the write fails, the token must not escape.
	if ttl == 0 {
		record := &Record{
			Token:     signed,
			UserID:    userID,
			Blacklist: false,
			CreatedAt: now.UTC(),
		}
		if err := s.repo.Save(ctx, record); err != nil {
			return "", apperror.NewInternal(fmt.Errorf("persisting API key: %w", err))
		}
		slog.Info("API key issued", slog.String("user_id", userID))
	}

	return signed, nil
}

func (s *service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &s.key.PublicKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperror.NewUnauthorized("token is expired")
		}
		return nil, apperror.NewUnauthorized("invalid token")
	}
	return claims, nil
}

func (s *service) VerifyForAuth(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	// Stateless (expiring) tokens have no stored record; that's fine. A
	// stored record flagged blacklist = true beats a valid signature.
	record, err := s.repo.Find(ctx, tokenString)
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return claims, nil
		}
		return nil, apperror.NewInternal(fmt.Errorf("checking blacklist: %w", err))
	}
	if record.Blacklist {
		slog.Warn("blacklisted token presented",
			slog.String("user_id", claims.UserID),
			slog.Bool("security", true),
			slog.Bool("fail", true),
		)
		return nil, apperror.NewUnauthorized("token is blacklisted")
	}
	return claims, nil
}

func (s *service) Blacklist(ctx context.Context, tokenString, requesterID string) (*Record, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.UserID != requesterID {
		slog.Warn("attempt to blacklist another user's token",
			slog.String("requester", requesterID),
			slog.String("owner", claims.UserID),
			slog.Bool("security", true),
			slog.Bool("fail", true),
		)
		return nil, apperror.NewForbidden("You can only blacklist your own tokens")
	}

	if err := s.repo.Blacklist(ctx, tokenString, claims.UserID); err != nil {
		return nil, apperror.NewInternal(err)
	}

	record, err := s.repo.Find(ctx, tokenString)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("reading blacklisted record: %w", err))
	}
	return record, nil
}

func (s *service) ListAPIKeys(ctx context.Context, userID string) ([]Record, error) {
	records, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (s *service) JWKS() JWKS {
	pub := &s.key.PublicKey

	e := make([]byte, 4)
	binary.BigEndian.PutUint32(e, uint32(pub.E))
	for len(e) > 1 && e[0] == 0 {
		e = e[1:]
	}

	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		Kid: s.kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(e),
	}}}
}

// keyID derives a stable identifier from the public modulus, so key
// rotation produces a different kid without any extra configuration.
func keyID(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return hex.EncodeToString(sum[:8])
}
