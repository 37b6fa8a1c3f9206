package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/bonebuddy/pkg/tokens"
)

const (
	CtxUserID = "user_id"
	CtxRole   = "role"

	AccessCookie = "accessToken"
)

type Authenticator struct {
	JWTSecret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{JWTSecret: secret}
}

type ValidatorFunc func(claims *tokens.AccessClaims) error

func (m *Authenticator) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return m.requireAuthWithValidator(next, nil)
}

// RequireRole must be mounted after RequireAuth.
func RequireRole(allowed ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get(CtxRole).(string)
			if role == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing role")
			}
			if !slices.Contains(allowed, role) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

func (m *Authenticator) requireAuthWithValidator(next echo.HandlerFunc, validator ValidatorFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := accessToken(c.Request())
		if raw == "" {
			return unauthorized(c, "missing access token")
		}

		claims, err := tokens.AccessClaimsFromToken(raw, m.JWTSecret)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return unauthorized(c, "access token expired")
			}
			return unauthorized(c, "invalid access token")
		}

		if validator != nil {
			if err := validator(claims); err != nil {
				return err
			}
		}

		c.Set(CtxUserID, claims.Subject)
		c.Set(CtxRole, claims.Role)
		return next(c)
	}
}

// accessToken prefers the Authorization header over the cookie.
func accessToken(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if ck, err := r.Cookie(AccessCookie); err == nil {
		return ck.Value
	}
	return ""
}

func unauthorized(c echo.Context, msg string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
	return echo.NewHTTPError(http.StatusUnauthorized, msg)
}

func UserID(c echo.Context) string {
	s, _ := c.Get(CtxUserID).(string)
	return s
}

func Role(c echo.Context) string {
	s, _ := c.Get(CtxRole).(string)
	return s
}
