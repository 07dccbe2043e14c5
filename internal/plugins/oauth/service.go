package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// TokenSigner mints the JWT access tokens returned by the exchange. The
// token plugin's service satisfies this.
type TokenSigner interface {
	Issue(ctx context.Context, userID string, ttl time.Duration) (string, error)
}

// Service defines the business logic contract for the grant engine.
type Service interface {
	// Authorize runs the authorize dialog for an authenticated user:
	// validate the client and redirect URI, then either issue a code
	// immediately (consent on file) or open a consent transaction.
	Authorize(ctx context.Context, userID string, req AuthorizeRequest) (*AuthorizeResult, error)

	// Decide resolves a consent transaction and returns the redirect URL.
	Decide(ctx context.Context, userID string, req DecisionRequest) (string, error)

	// Exchange handles POST /oauth/access_token for the code and refresh
	// grants.
	Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error)

	// Discovery returns the OpenID provider configuration document.
	Discovery() map[string]any
}

// service implements Service.
type service struct {
	repo      Repository
	txns      *TransactionStore
	signer    TokenSigner
	baseURL   string
	codeTTL   time.Duration
	accessTTL time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates the grant engine. baseURL is the public issuer URL.
func NewService(repo Repository, txns *TransactionStore, signer TokenSigner,
	baseURL string, codeTTL, accessTTL time.Duration) Service {
	return &service{
		repo:      repo,
		txns:      txns,
		signer:    signer,
		baseURL:   baseURL,
		codeTTL:   codeTTL,
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

func (s *service) Authorize(ctx context.Context, userID string, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.ResponseType == "" {
		return nil, apperror.NewBadRequest("Missing response_type")
	}
	if req.ResponseType != "code" {
		return nil, apperror.NewBadRequest("Unsupported response_type")
	}
	if req.ClientID == "" {
		return nil, apperror.NewBadRequest("Missing client_id")
	}

	client, err := s.validateClient(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	authorized, err := s.repo.IsAuthorized(ctx, userID, client.ClientID)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	if authorized {
		// Consent already on file: skip the prompt and issue the code.
		redirect, err := s.issueCode(ctx, userID, client, req.State)
		if err != nil {
			return nil, err
		}
		return &AuthorizeResult{RedirectURL: redirect}, nil
	}

	txn := &Transaction{
		UserID:      userID,
		ClientID:    client.ClientID,
		RedirectURI: client.RedirectURI,
		Scope:       req.Scope,
		State:       req.State,
		Nonce:       req.Nonce,
	}
	id, err := s.txns.Create(ctx, txn)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	return &AuthorizeResult{Consent: &ConsentPrompt{
		TransactionID: id,
		Client:        client,
		Scope:         req.Scope,
	}}, nil
}

func (s *service) Decide(ctx context.Context, userID string, req DecisionRequest) (string, error) {
	if req.TransactionID == "" {
		return "", apperror.NewBadRequest("Missing transaction_id")
	}

	txn, err := s.txns.Consume(ctx, req.TransactionID)
	if err != nil {
		return "", err
	}

	if txn.UserID != userID {
		slog.Warn("consent decision by wrong user",
			slog.String("transaction_user", txn.UserID),
			slog.String("requester", userID),
			slog.Bool("security", true),
			slog.Bool("fail", true),
		)
		return "", apperror.NewForbidden("transaction belongs to another user")
	}

	if req.Cancel {
		return appendQuery(txn.RedirectURI, url.Values{
			"error": {"access_denied"},
			"state": {txn.State},
		}), nil
	}

	if err := s.repo.RecordConsent(ctx, txn.UserID, txn.ClientID); err != nil {
		return "", apperror.NewInternal(err)
	}

	client, err := s.repo.FindClient(ctx, txn.ClientID)
	if err != nil {
		return "", err
	}
	return s.issueCode(ctx, txn.UserID, client, txn.State)
}

func (s *service) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case "authorization_code":
		return s.exchangeCode(ctx, client, req.Code)
	case "refresh_token":
		return s.exchangeRefresh(ctx, client, req.RefreshToken)
	case "":
		return nil, apperror.NewBadRequest("Missing grant_type")
	default:
		return nil, apperror.NewBadRequest("Unsupported grant_type")
	}
}

func (s *service) exchangeCode(ctx context.Context, client *Client, code string) (*TokenResponse, error) {
	if code == "" {
		return nil, apperror.NewBadRequest("Missing code")
	}

	stored, err := s.repo.FindToken(ctx, code, KindCode)
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return nil, apperror.NewInvalidGrant("invalid authorization code")
		}
		return nil, apperror.NewInternal(err)
	}
	if stored.ClientID != client.ClientID {
		s.logGrantFail("code presented by wrong client", client.ClientID)
		return nil, apperror.NewInvalidGrant("invalid authorization code")
	}
	if stored.Expired(s.now()) {
		return nil, apperror.NewInvalidGrant("authorization code expired")
	}

	// The DELETE row count is the single-use arbiter: under concurrent
	// exchanges of the same code, exactly one caller wins.
	won, err := s.repo.ConsumeToken(ctx, code, KindCode)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if !won {
		s.logGrantFail("authorization code replayed", client.ClientID)
		return nil, apperror.NewInvalidGrant("invalid authorization code")
	}

	access, err := s.issueAccessToken(ctx, stored.UserID, client.ClientID)
	if err != nil {
		return nil, err
	}

	refresh, err := randomToken()
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if err := s.repo.SaveToken(ctx, &Token{
		Token:     refresh,
		Kind:      KindRefresh,
		ClientID:  client.ClientID,
		UserID:    stored.UserID,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return nil, apperror.NewInternal(err)
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		RefreshToken: refresh,
	}, nil
}

func (s *service) exchangeRefresh(ctx context.Context, client *Client, refresh string) (*TokenResponse, error) {
	if refresh == "" {
		return nil, apperror.NewBadRequest("Missing refresh_token")
	}

	stored, err := s.repo.FindToken(ctx, refresh, KindRefresh)
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return nil, apperror.NewInvalidGrant("invalid refresh token")
		}
		return nil, apperror.NewInternal(err)
	}
	if stored.ClientID != client.ClientID {
		s.logGrantFail("refresh token presented by wrong client", client.ClientID)
		return nil, apperror.NewInvalidGrant("invalid refresh token")
	}
	if stored.Expired(s.now()) {
		s.logGrantFail("refresh token expired", client.ClientID)
		return nil, apperror.NewInvalidGrant("invalid refresh token")
	}

	access, err := s.issueAccessToken(ctx, stored.UserID, client.ClientID)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.accessTTL.Seconds()),
	}, nil
}

// Discovery builds the OpenID provider configuration from the issuer URL.
func (s *service) Discovery() map[string]any {
	return map[string]any{
		"issuer":                                s.baseURL,
		"authorization_endpoint":                s.baseURL + "/oauth/authorize",
		"token_endpoint":                        s.baseURL + "/oauth/access_token",
		"jwks_uri":                              s.baseURL + "/oauth/jwks",
		"userinfo_endpoint":                     s.baseURL + "/account.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "email", "profile"},
		"claims_supported": []string{
			"iss", "sub", "aud", "exp", "iat",
			"name", "given_name", "family_name", "email", "email_verified",
		},
	}
}

// --- Internals ---

// validateClient checks the client exists and, when the request names a
// redirect URI, that it matches the registered one exactly. The mismatch
// check runs before any code is issued.
func (s *service) validateClient(ctx context.Context, clientID, redirectURI string) (*Client, error) {
	client, err := s.repo.FindClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if redirectURI != "" && redirectURI != client.RedirectURI {
		slog.Warn("redirect URI mismatch",
			slog.String("client_id", clientID),
			slog.String("requested", redirectURI),
			slog.Bool("security", true),
			slog.Bool("fail", true),
		)
		return nil, apperror.NewForbidden("Wrong redirect URI")
	}
	return client, nil
}

// authenticateClient verifies client credentials for the token endpoint.
func (s *service) authenticateClient(ctx context.Context, clientID, secret string) (*Client, error) {
	if clientID == "" {
		return nil, apperror.NewBadRequest("Missing client_id")
	}

	client, err := s.repo.FindClient(ctx, clientID)
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return nil, apperror.NewUnauthorized("invalid client credentials")
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(secret)) != 1 {
		s.logGrantFail("wrong client secret", clientID)
		return nil, apperror.NewUnauthorized("invalid client credentials")
	}
	return client, nil
}

// issueCode mints a single-use authorization code and returns the client
// redirect URL carrying it.
func (s *service) issueCode(ctx context.Context, userID string, client *Client, state string) (string, error) {
	code, err := randomToken()
	if err != nil {
		return "", apperror.NewInternal(err)
	}

	expires := s.now().Add(s.codeTTL).UTC()
	if err := s.repo.SaveToken(ctx, &Token{
		Token:     code,
		Kind:      KindCode,
		ClientID:  client.ClientID,
		UserID:    userID,
		ExpiresAt: &expires,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return "", apperror.NewInternal(err)
	}

	slog.Info("authorization code issued",
		slog.String("user_id", userID),
		slog.String("client_id", client.ClientID),
	)

	q := url.Values{"code": {code}}
	if state != "" {
		q.Set("state", state)
	}
	return appendQuery(client.RedirectURI, q), nil
}

// issueAccessToken signs a bearer JWT and records it so introspection and
// cleanup can see it.
func (s *service) issueAccessToken(ctx context.Context, userID, clientID string) (string, error) {
	access, err := s.signer.Issue(ctx, userID, s.accessTTL)
	if err != nil {
		return "", err
	}

	expires := s.now().Add(s.accessTTL).UTC()
	if err := s.repo.SaveToken(ctx, &Token{
		Token:     access,
		Kind:      KindAccess,
		ClientID:  clientID,
		UserID:    userID,
		ExpiresAt: &expires,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return "", apperror.NewInternal(err)
	}
	return access, nil
}

func (s *service) logGrantFail(msg, clientID string) {
	slog.Warn(msg,
		slog.String("client_id", clientID),
		slog.Bool("security", true),
		slog.Bool("fail", true),
	)
}

// randomToken returns 32 bytes of entropy, hex-encoded.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// appendQuery adds parameters to a URL that may already carry a query.
func appendQuery(rawURL string, q url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Registered redirect URIs are validated out of band; fall back to
		// naive concatenation rather than dropping the response.
		return rawURL + "?" + q.Encode()
	}
	existing := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			existing.Set(k, v)
		}
	}
	u.RawQuery = existing.Encode()
	return u.String()
}
