package maintenance

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/apperror"
)

// Handler exposes the maintenance jobs as cron-triggered endpoints.
type Handler struct {
	service Service
	cronKey string
}

// NewHandler creates a new maintenance handler guarded by the cron key.
func NewHandler(service Service, cronKey string) *Handler {
	return &Handler{service: service, cronKey: cronKey}
}

// DeleteExpiredTokens is GET /api/v1/cron/:key/deleteExpiredTokens.
func (h *Handler) DeleteExpiredTokens(c echo.Context) error {
	if err := h.checkKey(c); err != nil {
		return err
	}
	if err := h.service.DeleteExpiredTokens(c.Request().Context()); err != nil {
		return apperror.NewInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PasswordExpiryAlerts is GET /api/v1/cron/:key/passwordExpiryAlerts.
func (h *Handler) PasswordExpiryAlerts(c echo.Context) error {
	if err := h.checkKey(c); err != nil {
		return err
	}
	if err := h.service.PasswordExpiryAlerts(c.Request().Context()); err != nil {
		return apperror.NewInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// checkKey answers a wrong key with 404, not 401, so probes can't tell the
// cron surface exists.
func (h *Handler) checkKey(c echo.Context) error {
	key := c.Param("key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.cronKey)) != 1 {
		return apperror.NewNotFound("not found")
	}
	return nil
}
