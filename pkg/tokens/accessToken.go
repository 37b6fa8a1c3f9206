package tokens

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func NewAccessToken(userID, role string, exp time.Time, secret []byte) (string, error) {
	return sign(AccessClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}, secret)
}

// AccessClaimsFromToken returns jwt.ErrTokenExpired (wrapped) for expired
// tokens so callers can answer 401 and let the client refresh.
func AccessClaimsFromToken(tokenStr string, secret []byte) (*AccessClaims, error) {
	var claims AccessClaims
	tkn, err := jwt.ParseWithClaims(tokenStr, &claims, keyFunc(secret))
	if err != nil {
		return nil, err
	}
	if !tkn.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
