package oauth

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up the OAuth2 and OpenID discovery routes.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.GET("/oauth/authorize", h.Authorize)
	e.POST("/oauth/authorize", h.Decide)
	e.POST("/oauth/access_token", h.Token)

	e.GET("/.well-known/openid-configuration", h.OpenIDConfiguration)
}
