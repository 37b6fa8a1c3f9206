package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	middleware "github.com/Skotchmaster/bonebuddy/pkg/middleware/auth"
)

type Deps struct {
	AuthHandler *AuthHTTP
	JWTSecret   []byte
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	authMW := middleware.NewAuthenticator(d.JWTSecret)

	e.POST("/otp/request", d.AuthHandler.RequestOTP)
	e.POST("/otp/verify", d.AuthHandler.VerifyOTP)
	e.POST("/refresh", d.AuthHandler.Refresh)

	private := e.Group("", authMW.RequireAuth)
	private.POST("/logout", d.AuthHandler.LogOut)
}
