package maintenance

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up the cron-triggered maintenance routes.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.GET("/api/v1/cron/:key/deleteExpiredTokens", h.DeleteExpiredTokens)
	e.GET("/api/v1/cron/:key/passwordExpiryAlerts", h.PasswordExpiryAlerts)
}
