package token

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up the JWT API routes.
func RegisterRoutes(e *echo.Echo, h *Handler, requireAuth, rateLimit echo.MiddlewareFunc) {
	// Token creation authenticates with credentials in the body, not a
	// bearer token, so it stays public (but rate limited per IP).
	e.POST("/api/v1/jsonwebtoken", h.CreateToken, rateLimit)

	e.GET("/api/v1/jsonwebtokens", h.ListTokens, requireAuth)
	e.DELETE("/api/v1/jsonwebtoken", h.DeleteToken, requireAuth)
	e.POST("/api/v1/signrequest", h.SignRequest, requireAuth)

	e.GET("/oauth/jwks", h.JWKSHandler)
}
