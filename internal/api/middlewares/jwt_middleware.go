package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ownerKey ctxKey = "owner_id"

// OwnerID returns the owner attached by JWTMiddleware.
func OwnerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerKey).(string)
	return id, ok && id != ""
}

// WithOwner attaches an owner id to ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey, ownerID)
}

// JWTMiddleware validates the Authorization header and attaches the token's
// owner_id claim to the request context.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing or invalid token", http.StatusUnauthorized)
				return
			}

			ownerID, err := ParseToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
		})
	}
}

// ParseToken verifies an HS256 token and returns its owner_id claim.
func ParseToken(secret, tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	ownerID, ok := claims["owner_id"].(string)
	if !ok || ownerID == "" {
		return "", errors.New("invalid token claims")
	}
	return ownerID, nil
}

// IssueToken creates a signed token for ownerID.
func IssueToken(secret, ownerID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"owner_id": ownerID,
		"exp":      time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
