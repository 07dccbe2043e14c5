package oauth

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
	"github.com/humanitarian-id/hid-auth/internal/plugins/auth"
)

// Handler handles the OAuth2 browser and token endpoints.
type Handler struct {
	service Service
	codec   *auth.CapsuleCodec
}

// NewHandler creates a new oauth handler.
func NewHandler(service Service, codec *auth.CapsuleCodec) *Handler {
	return &Handler{service: service, codec: codec}
}

// Authorize is GET /oauth/authorize. Without a fully authenticated session
// the user is bounced to the login page with the whole query preserved, so
// the flow resumes exactly where it left off after login.
func (h *Handler) Authorize(c echo.Context) error {
	var req AuthorizeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid authorize request")
	}

	capsule, err := h.session(c)
	if err != nil {
		return c.Redirect(http.StatusSeeOther, loginRedirect(req))
	}

	result, err := h.service.Authorize(c.Request().Context(), capsule.UserID, req)
	if err != nil {
		return err
	}

	if result.RedirectURL != "" {
		return c.Redirect(http.StatusFound, result.RedirectURL)
	}
	return c.JSON(http.StatusOK, result.Consent)
}

// Decide is POST /oauth/authorize: the consent decision.
func (h *Handler) Decide(c echo.Context) error {
	capsule, err := h.session(c)
	if err != nil {
		return err
	}

	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid decision request")
	}

	redirect, err := h.service.Decide(c.Request().Context(), capsule.UserID, req)
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, redirect)
}

// Token is POST /oauth/access_token. Client credentials may arrive in the
// form body or as HTTP Basic auth.
func (h *Handler) Token(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid token request")
	}

	if req.ClientID == "" {
		if id, secret, ok := c.Request().BasicAuth(); ok {
			req.ClientID = id
			req.ClientSecret = secret
		}
	}

	resp, err := h.service.Exchange(c.Request().Context(), req)
	if err != nil {
		return err
	}

	// RFC 6749 §5.1: token responses must not be cached.
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, resp)
}

// OpenIDConfiguration serves the discovery document.
func (h *Handler) OpenIDConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Discovery())
}

// session returns the capsule only when it is fully authenticated: a
// PASSWORD_OK capsule (second factor pending) never satisfies the
// authorize gate.
func (h *Handler) session(c echo.Context) (*auth.Capsule, error) {
	capsule, err := auth.ReadSession(c, h.codec)
	if err != nil {
		return nil, err
	}
	if !capsule.TOTPPassed {
		return nil, apperror.NewUnauthorized("second factor required")
	}
	return capsule, nil
}

// loginRedirect builds the login-page URL that resumes this authorize
// request after authentication.
func loginRedirect(req AuthorizeRequest) string {
	q := url.Values{}
	q.Set("redirect", "/oauth/authorize")
	set := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	set("response_type", req.ResponseType)
	set("client_id", req.ClientID)
	set("redirect_uri", req.RedirectURI)
	set("scope", req.Scope)
	set("state", req.State)
	set("nonce", req.Nonce)

	return "/?" + q.Encode() + "#login"
}
