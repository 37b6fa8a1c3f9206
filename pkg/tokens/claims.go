package tokens

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in access tokens.
const (
	RolePatient         = "patient"
	RoleDoctor          = "doctor"
	RolePhysiotherapist = "physiotherapist"
	RoleAdmin           = "admin"
)

// StaffRoles may perform privileged payment operations.
var StaffRoles = []string{RoleAdmin, RoleDoctor, RolePhysiotherapist}

var ErrInvalidToken = errors.New("invalid token")

type AccessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	jwt.RegisteredClaims
}

func keyFunc(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected sign method")
		}
		return secret, nil
	}
}

func sign(claims jwt.Claims, secret []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
