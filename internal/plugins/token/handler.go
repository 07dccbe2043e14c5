package token

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
	"github.com/humanitarian-id/hid-auth/internal/bewit"
	"github.com/humanitarian-id/hid-auth/internal/plugins/auth"
)

// Handler handles the JWT API endpoints.
type Handler struct {
	service Service
	auth    auth.AuthService
	signer  *bewit.Signer
}

// NewHandler creates a new token handler.
func NewHandler(service Service, authSvc auth.AuthService, signer *bewit.Signer) *Handler {
	return &Handler{service: service, auth: authSvc, signer: signer}
}

// CreateToken authenticates email/password (plus the TOTP header or trust
// cookie for enrolled accounts) and returns a signed JWT. A request without
// exp yields a permanent API key, persisted for later revocation.
func (h *Handler) CreateToken(c echo.Context) error {
	var req CreateTokenRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	input := auth.AuthenticateInput{
		Email:     req.Email,
		Password:  req.Password,
		TOTPCode:  c.Request().Header.Get("x-hid-totp"),
		UserAgent: c.Request().UserAgent(),
	}
	if cookie, err := c.Cookie(auth.TrustCookie); err == nil {
		input.TrustSecret = cookie.Value
	}

	user, err := h.auth.Authenticate(c.Request().Context(), input)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if req.Exp > 0 {
		ttl = time.Until(time.Unix(req.Exp, 0))
		if ttl <= 0 {
			return apperror.NewBadRequest("exp is in the past")
		}
	}

	signed, err := h.service.Issue(c.Request().Context(), user.ID, ttl)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"user":  user,
		"token": signed,
	})
}

// ListTokens returns the caller's stored API keys.
func (h *Handler) ListTokens(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)

	records, err := h.service.ListAPIKeys(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

// DeleteToken blacklists one of the caller's tokens. The token to revoke
// travels in the body; revoking defaults to the presented bearer token when
// the body names none.
func (h *Handler) DeleteToken(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)

	var req DeleteTokenRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if req.Token == "" {
		req.Token = bearerToken(c)
	}
	if req.Token == "" {
		return apperror.NewBadRequest("Missing token")
	}

	record, err := h.service.Blacklist(c.Request().Context(), req.Token, userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

// SignRequest returns a 5-minute bewit for the submitted URL, so the caller
// can delegate a single GET without sharing its token. The client appends it
// to the URL as the bewit query parameter.
func (h *Handler) SignRequest(c echo.Context) error {
	var req SignRequestRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if req.URL == "" {
		return apperror.NewBadRequest("Missing url")
	}

	bw, err := h.signer.Bewit(req.URL)
	if err != nil {
		return apperror.NewBadRequest("invalid url")
	}
	return c.JSON(http.StatusOK, echo.Map{"bewit": bw})
}

// JWKSHandler serves the public key set.
func (h *Handler) JWKSHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.JWKS())
}
