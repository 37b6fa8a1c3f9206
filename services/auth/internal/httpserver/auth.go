package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/bonebuddy/pkg/logging"
	middleware "github.com/Skotchmaster/bonebuddy/pkg/middleware/auth"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/service"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/transport"
)

type AuthHTTP struct {
	Svc *service.AuthService
}

func (h *AuthHTTP) RequestOTP(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.otp_request")

	var req transport.OTPRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("otp_request_error", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	exp, err := h.Svc.RequestOTP(ctx, req.Phone)
	if err != nil {
		return errorResponse(l, "otp_request_error", err)
	}
	return c.JSON(http.StatusAccepted, transport.OTPRequested{ExpiresAt: exp})
}

func (h *AuthHTTP) VerifyOTP(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.otp_verify")

	var req transport.OTPVerifyRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("otp_verify_error", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	res, err := h.Svc.VerifyOTP(ctx, req.Phone, req.Code)
	if err != nil {
		return errorResponse(l, "otp_verify_error", err)
	}

	setSession(c, res)
	return c.JSON(http.StatusOK, transport.TokenResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Role:         res.Role,
		UserID:       res.UserID,
	})
}

// Refresh takes the refresh token from the body, falling back to the cookie.
func (h *AuthHTTP) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.refresh")

	var req transport.RefreshRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			l.Warn("refresh_error", "status", 400, "reason", "invalid body", "error", err)
			return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
		}
	}
	if req.RefreshToken == "" {
		if ck, err := c.Cookie(RefreshCookie); err == nil {
			req.RefreshToken = ck.Value
		}
	}
	if req.RefreshToken == "" {
		l.Warn("refresh_error", "status", 401, "reason", "missing token")
		return echo.NewHTTPError(http.StatusUnauthorized, "missing refresh token")
	}

	res, err := h.Svc.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return errorResponse(l, "refresh_error", err)
	}

	setSession(c, res)
	return c.JSON(http.StatusOK, transport.TokenResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	})
}

func (h *AuthHTTP) LogOut(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.logout")

	var req transport.LogoutRequest
	if c.Request().ContentLength != 0 {
		_ = c.Bind(&req)
	}
	if req.RefreshToken == "" {
		if ck, err := c.Cookie(RefreshCookie); err == nil {
			req.RefreshToken = ck.Value
		}
	}

	c.SetCookie(DeleteCookie(RefreshCookie, "/"))
	c.SetCookie(DeleteCookie(AccessCookie, "/"))

	if err := h.Svc.LogOut(ctx, middleware.UserID(c), req.RefreshToken); err != nil {
		l.Error("logout_failed", "status", 500, "reason", "cannot revoke refreshToken", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	l.Info("successful_logout")
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

func setSession(c echo.Context, res *transport.LoginResult) {
	c.SetCookie(CreateCookie(AccessCookie, res.AccessToken, "/", res.AccessExp))
	c.SetCookie(CreateCookie(RefreshCookie, res.RefreshToken, "/", res.RefreshExp))
}

func errorResponse(l *slog.Logger, msg string, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		l.Warn(msg, "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidCode):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired code")
	case errors.Is(err, service.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, service.ErrTooManyAttempts), errors.Is(err, service.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	default:
		l.Error(msg, "status", 500, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
