package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Claims represents the session token claims the engine cares about.
// The token is issued by the storefront backend; the engine only reads it.
type Claims struct {
	UserId string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken generates a signed token. Used by tests and tooling; the
// engine itself never signs tokens.
func GenerateToken(userId, name, secret string, expireHours int) (string, error) {
	claims := Claims{
		UserId: userId,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "chatsync",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseIdentity extracts the viewer's identity from a session token without
// verifying the signature. Verification is the backend's job; the engine
// only needs to know who the current user is so it can tag optimistic
// messages and suppress self-typing.
func ParseIdentity(tokenString string) (*Claims, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, errcode.ErrTokenInvalid.Wrap(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserId == "" {
		return nil, errcode.ErrTokenInvalid
	}

	return claims, nil
}
