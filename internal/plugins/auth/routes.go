package auth

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up the interactive login routes. The trusted-device
// API route needs the JWT bearer middleware from the token plugin, so the
// caller passes it in, along with the per-IP rate limiter for the
// password-accepting route.
func RegisterRoutes(e *echo.Echo, h *AuthHandler, requireAuth, rateLimit echo.MiddlewareFunc) {
	e.POST("/login", h.Login, rateLimit)
	e.POST("/logout", h.Logout)
	e.GET("/user", h.CurrentUser)

	e.POST("/api/v1/totp/device", h.TrustDevice, requireAuth)
}
