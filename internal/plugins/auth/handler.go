package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
	"github.com/humanitarian-id/hid-auth/internal/config"
)

// TrustCookie is the trusted-device cookie. Deliberately NOT HttpOnly and
// NOT same-site restricted: it must survive the cross-origin redirect chain
// client applications go through during OAuth2 authorization.
const TrustCookie = "x-hid-totp-trust"

// AuthHandler handles the interactive login flow.
type AuthHandler struct {
	service AuthService
	codec   *CapsuleCodec
	cfg     config.AuthConfig
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(service AuthService, codec *CapsuleCodec, cfg config.AuthConfig) *AuthHandler {
	return &AuthHandler{service: service, codec: codec, cfg: cfg}
}

// Login drives the ANONYMOUS -> PASSWORD_OK -> AUTHENTICATED machine.
//
// First submission carries email/password. If the account has TOTP enrolled
// and the device is not trusted, the response is a totp_required challenge
// with a half-authenticated capsule cookie; the client resubmits with the
// x-hid-totp code (credentials optional on the second round, the capsule
// identifies the user). A fully authenticated request is redirected into the
// OAuth2 authorize flow when client parameters are present, to the account
// page otherwise.
func (h *AuthHandler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid login request")
	}

	user, err := h.resolveUser(c, &req)
	if err != nil {
		return h.loginFailure(c, &req, err)
	}

	if user.TOTPEnabled {
		trusted := false
		if cookie, cerr := c.Cookie(TrustCookie); cerr == nil {
			trusted = h.service.IsTrustedDevice(c.Request().Context(),
				user.ID, c.Request().UserAgent(), cookie.Value)
		}

		if !trusted {
			if req.TOTPCode == "" {
				// Challenge: remember the password step, ask for the code.
				if err := h.writeCapsule(c, user.ID, false); err != nil {
					return err
				}
				return c.JSON(http.StatusOK, echo.Map{"totp_required": true})
			}

			if err := h.service.VerifyTOTP(c.Request().Context(), user, req.TOTPCode); err != nil {
				return h.loginFailure(c, &req, err)
			}

			if req.TrustDevice {
				secret, terr := h.service.TrustDevice(c.Request().Context(),
					user.ID, c.Request().UserAgent())
				if terr == nil {
					h.writeTrustCookie(c, secret)
				}
			}
		}
	}

	if err := h.writeCapsule(c, user.ID, true); err != nil {
		return err
	}

	return c.Redirect(http.StatusSeeOther, loginDestination(&req))
}

// Logout clears the session capsule.
func (h *AuthHandler) Logout(c echo.Context) error {
	ClearSessionCookie(c)
	return c.Redirect(http.StatusSeeOther, "/")
}

// CurrentUser returns the logged-in user for a fully authenticated capsule.
func (h *AuthHandler) CurrentUser(c echo.Context) error {
	capsule, err := ReadSession(c, h.codec)
	if err != nil {
		return err
	}
	if !capsule.TOTPPassed {
		return apperror.NewUnauthorized("second factor required")
	}

	user, err := h.service.GetUser(c.Request().Context(), capsule.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

// TrustDevice marks the calling device as trusted for the bearer-token user
// and sets the trust cookie. Mounted behind the JWT auth middleware, which
// stores the verified user id in the request context.
func (h *AuthHandler) TrustDevice(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	if userID == "" {
		return apperror.NewUnauthorized("authentication required")
	}

	secret, err := h.service.TrustDevice(c.Request().Context(), userID, c.Request().UserAgent())
	if err != nil {
		return err
	}

	h.writeTrustCookie(c, secret)
	return c.NoContent(http.StatusNoContent)
}

// resolveUser figures out who is logging in: either fresh credentials, or a
// PASSWORD_OK capsule from the first round of a TOTP challenge.
func (h *AuthHandler) resolveUser(c echo.Context, req *LoginRequest) (*User, error) {
	if req.Email != "" || req.Password != "" {
		return h.service.Verify(c.Request().Context(), req.Email, req.Password)
	}

	capsule, err := ReadSession(c, h.codec)
	if err != nil {
		return nil, apperror.NewUnauthorized("invalid email or password")
	}
	return h.service.GetUser(c.Request().Context(), capsule.UserID)
}

// loginFailure translates a verification error for the browser flow: API
// clients get the typed error as JSON (via the global error handler), form
// posts are bounced back to the login page with an alert describing what
// went wrong.
func (h *AuthHandler) loginFailure(c echo.Context, req *LoginRequest, err error) error {
	if wantsJSON(c) {
		return err
	}

	q := url.Values{}
	q.Set("alert", apperror.SafeMessage(err))
	// Preserve the OAuth parameters so the retry can still complete the
	// authorization flow.
	setIfPresent(q, "response_type", req.ResponseType)
	setIfPresent(q, "client_id", req.ClientID)
	setIfPresent(q, "redirect_uri", req.RedirectURI)
	setIfPresent(q, "scope", req.Scope)
	setIfPresent(q, "state", req.State)
	setIfPresent(q, "nonce", req.Nonce)
	setIfPresent(q, "redirect", req.Redirect)

	return c.Redirect(http.StatusSeeOther, "/?"+q.Encode()+"#login")
}

func (h *AuthHandler) writeCapsule(c echo.Context, userID string, totpPassed bool) error {
	value, err := h.codec.Encode(Capsule{UserID: userID, TOTPPassed: totpPassed})
	if err != nil {
		return apperror.NewInternal(err)
	}
	WriteSessionCookie(c, value, h.cfg.SessionMaxAge)
	return nil
}

func (h *AuthHandler) writeTrustCookie(c echo.Context, secret string) {
	c.SetCookie(&http.Cookie{
		Name:     TrustCookie,
		Value:    secret,
		Path:     "/",
		Domain:   h.cfg.CookieDomain,
		MaxAge:   int(h.cfg.TrustedDeviceTTL.Seconds()),
		HttpOnly: false,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteNoneMode,
	})
}

// loginDestination picks where a fully authenticated login lands: back into
// the OAuth2 authorize flow when client parameters are present, the account
// page otherwise.
func loginDestination(req *LoginRequest) string {
	if req.ClientID == "" {
		if req.Redirect != "" && strings.HasPrefix(req.Redirect, "/") {
			return req.Redirect
		}
		return "/user"
	}

	q := url.Values{}
	q.Set("client_id", req.ClientID)
	setIfPresent(q, "response_type", req.ResponseType)
	setIfPresent(q, "redirect_uri", req.RedirectURI)
	setIfPresent(q, "scope", req.Scope)
	setIfPresent(q, "state", req.State)
	setIfPresent(q, "nonce", req.Nonce)

	path := "/oauth/authorize"
	if req.Redirect != "" && strings.HasPrefix(req.Redirect, "/") {
		path = req.Redirect
	}
	return path + "?" + q.Encode()
}

func setIfPresent(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

// wantsJSON reports whether the client expects a JSON response rather than
// a browser redirect.
func wantsJSON(c echo.Context) bool {
	accept := c.Request().Header.Get("Accept")
	if strings.Contains(accept, "application/json") {
		return true
	}
	return strings.Contains(c.Request().Header.Get("Content-Type"), "application/json")
}
