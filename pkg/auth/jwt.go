// Package auth validates the bearer tokens issued by the marketplace's
// identity service. Tokens are HS256 JWTs carrying the user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("no token provided")

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	key []byte
}

func New(secret string) *Authenticator {
	return &Authenticator{key: []byte(secret)}
}

// GenerateToken is used by the terminal client and the smoke scripts. The
// production identity service issues its own tokens with the same claims.
func (a *Authenticator) GenerateToken(userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.key)
}

func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user_id claim")
	}
	return claims, nil
}

// TokenFromRequest reads the Authorization header, falling back to the
// "token" query parameter that browser websocket clients have to use.
func TokenFromRequest(r *http.Request) (string, error) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return "", ErrNoToken
	}
	return tokenString, nil
}

// Authenticate resolves the caller of r.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	tokenString, err := TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return a.ValidateToken(tokenString)
}

type contextKey string

const userKey contextKey = "user"

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userKey, claims)
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(userKey).(*Claims)
	return claims, ok
}

// UserID returns the authenticated user id stored in ctx, or "".
func UserID(ctx context.Context) string {
	if claims, ok := ClaimsFrom(ctx); ok {
		return claims.UserID
	}
	return ""
}
