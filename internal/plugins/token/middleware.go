package token

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// RequireAuth returns middleware that authenticates requests by bearer JWT.
// The verified principal id is stored in the context under "user_id".
// Blacklisted tokens are rejected even with a valid signature.
func RequireAuth(svc Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c)
			if raw == "" {
				return apperror.NewUnauthorized("missing bearer token")
			}

			claims, err := svc.VerifyForAuth(c.Request().Context(), raw)
			if err != nil {
				return err
			}

			c.Set("user_id", claims.UserID)
			return next(c)
		}
	}
}

// bearerToken extracts the token from the Authorization header, or from the
// access_token query/form parameter as a fallback for clients that cannot
// set headers.
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") || strings.HasPrefix(header, "bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	if tok := c.QueryParam("access_token"); tok != "" {
		return tok
	}
	return c.FormValue("access_token")
}
