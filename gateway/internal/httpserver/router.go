package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/bonebuddy/gateway/internal/middleware"
	authmw "github.com/Skotchmaster/bonebuddy/pkg/middleware/auth"
	"github.com/Skotchmaster/bonebuddy/pkg/middleware/csrf"
)

type Deps struct {
	AuthURL    string
	PaymentURL string

	CSRFConfig csrf.Config
	JWTSecret  []byte
	Logger     *slog.Logger
}

// PublicPaths bypass CSRF: they either start a session or are called by the
// payment gateway.
var PublicPaths = []string{
	"/health/live",
	"/health/ready",
	"/api/v1/auth/otp/request",
	"/api/v1/auth/otp/verify",
	"/api/v1/auth/refresh",
	"/api/v1/payments/webhook",
}

func Register(e *echo.Echo, d *Deps) error {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}

	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, m := range middleware.Common(l) {
		e.Use(m)
	}
	e.Use(csrf.Middleware(d.CSRFConfig))

	authProxy, err := newProxy(d.AuthURL, "/api/v1/auth")
	if err != nil {
		return err
	}
	paymentProxy, err := newProxy(d.PaymentURL, "/api/v1")
	if err != nil {
		return err
	}

	e.Any("/api/v1/auth/*", authProxy)
	e.POST("/api/v1/payments/webhook", paymentProxy)

	authn := authmw.NewAuthenticator(d.JWTSecret)
	api := e.Group("/api/v1", authn.RequireAuth)
	api.Any("/payments", paymentProxy)
	api.Any("/payments/*", paymentProxy)

	return nil
}
