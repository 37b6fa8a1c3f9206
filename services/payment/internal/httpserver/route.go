package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	middleware "github.com/Skotchmaster/bonebuddy/pkg/middleware/auth"
	"github.com/Skotchmaster/bonebuddy/pkg/tokens"
)

type Deps struct {
	PaymentHandler *PaymentHTTP
	JWTSecret      []byte
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.POST("/payments/webhook", d.PaymentHandler.Webhook)

	authMW := middleware.NewAuthenticator(d.JWTSecret)

	payments := e.Group("/payments", authMW.RequireAuth)
	payments.POST("/orders", d.PaymentHandler.CreateOrder)
	payments.POST("/verify", d.PaymentHandler.Verify)
	payments.GET("", d.PaymentHandler.List)
	payments.GET("/:id", d.PaymentHandler.Get)

	staff := payments.Group("", middleware.RequireRole(tokens.StaffRoles...))
	staff.POST("/:id/refund", d.PaymentHandler.Refund)
}
