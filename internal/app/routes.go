package app

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/bewit"
	"github.com/humanitarian-id/hid-auth/internal/middleware"
	"github.com/humanitarian-id/hid-auth/internal/plugins/auth"
	"github.com/humanitarian-id/hid-auth/internal/plugins/maintenance"
	"github.com/humanitarian-id/hid-auth/internal/plugins/oauth"
	"github.com/humanitarian-id/hid-auth/internal/plugins/token"
)

// RegisterRoutes wires every plugin: repositories over the shared DB pool,
// services over the repositories, handlers over the services, then routes.
// This is the single place where all routes are aggregated.
func (a *App) RegisterRoutes() {
	e := a.Echo
	cfg := a.Config

	codec := auth.NewCapsuleCodec(cfg.Auth.SecretKey, cfg.Auth.SessionMaxAge)
	signer := bewit.NewSigner("hid", cfg.Auth.SecretKey)

	// --- auth plugin ---
	floodGuard := auth.NewFloodGuard(auth.NewFloodRepository(a.DB))
	authSvc := auth.NewAuthService(auth.NewUserRepository(a.DB), floodGuard)
	authHandler := auth.NewAuthHandler(authSvc, codec, cfg.Auth)

	// --- token plugin ---
	tokenSvc := token.NewService(token.NewRepository(a.DB), cfg.Auth.SigningKey, cfg.BaseURL)
	tokenHandler := token.NewHandler(tokenSvc, authSvc, signer)
	requireAuth := token.RequireAuth(tokenSvc)

	// --- oauth plugin ---
	oauthSvc := oauth.NewService(
		oauth.NewRepository(a.DB),
		oauth.NewTransactionStore(a.Redis),
		tokenSvc,
		cfg.BaseURL,
		cfg.Auth.AuthorizationCodeTTL,
		cfg.Auth.AccessTokenTTL,
	)
	oauthHandler := oauth.NewHandler(oauthSvc, codec)

	// --- maintenance plugin ---
	maintSvc := maintenance.NewService(maintenance.NewRepository(a.DB), nil)
	maintHandler := maintenance.NewHandler(maintSvc, cfg.CronKey)

	// Per-IP rate limiting on the credential-bearing endpoints, on top of
	// the per-identity flood guard.
	loginLimit := middleware.RateLimit(10, time.Minute)

	auth.RegisterRoutes(e, authHandler, requireAuth, loginLimit)
	token.RegisterRoutes(e, tokenHandler, requireAuth, loginLimit)
	oauth.RegisterRoutes(e, oauthHandler)
	maintenance.RegisterRoutes(e, maintHandler)

	// Health check endpoint for container orchestration.
	e.GET("/healthz", func(c echo.Context) error {
		if err := a.DB.PingContext(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db unreachable"})
		}
		if err := a.Redis.Ping(c.Request().Context()).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "redis unreachable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
