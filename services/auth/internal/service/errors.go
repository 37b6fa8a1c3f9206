package service

import "errors"

var (
	ErrValidation      = errors.New("validation")                  // 400
	ErrInvalidCode     = errors.New("invalid or expired code")     // 401
	ErrInvalidToken    = errors.New("invalid refresh token")       // 401
	ErrTooManyAttempts = errors.New("too many attempts")           // 429
	ErrRateLimited     = errors.New("code requested too recently") // 429
)
