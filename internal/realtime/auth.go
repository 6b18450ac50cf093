package realtime

import (
	"errors"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized rejects a connection before any topic subscription
// is possible.
var ErrUnauthorized = errors.New("unauthorized")

// Account kinds resolved once at session establishment.
const (
	RoleCustomer = "customer"
	RoleDriver   = "driver"
	RoleStore    = "store"
	RoleAdmin    = "admin"
)

// Identity is the authenticated caller: who they are and in what
// capacity they connect.
type Identity struct {
	UserID string
	Role   string
}

func validRole(r string) bool {
	switch r {
	case RoleCustomer, RoleDriver, RoleStore, RoleAdmin:
		return true
	}
	return false
}

// VerifyToken validates an HS256 JWT and extracts the identity from
// its sub/role claims.
func VerifyToken(tokenStr, secret string) (Identity, error) {
	if secret == "" || tokenStr == "" {
		return Identity{}, ErrUnauthorized
	}

	type claims struct {
		Role string `json:"role"`
		jwt.RegisteredClaims
	}

	tok, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return Identity{}, ErrUnauthorized
	}
	c, _ := tok.Claims.(*claims)
	if c == nil || c.Subject == "" {
		return Identity{}, ErrUnauthorized
	}
	role := strings.ToLower(c.Role)
	if !validRole(role) {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: c.Subject, Role: role}, nil
}

// SignToken mints a connection token; used by tests and local tooling
// (token issuance in production belongs to the auth service).
func SignToken(id Identity, secret string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id.UserID,
		"role": id.Role,
	})
	return tok.SignedString([]byte(secret))
}
