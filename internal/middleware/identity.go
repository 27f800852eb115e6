// Package middleware provides shared HTTP middleware utilities.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shieldlend/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey avoids collisions when storing values in request contexts.
type contextKey string

const ctxIdentityKey contextKey = "identity"

// IdentityMiddleware validates bearer JWTs whose subject names a protocol
// identity (trusted relay or operator). Identities are capability tokens,
// not user accounts; there is no registration flow.
type IdentityMiddleware struct {
	jwtSecret string
}

// NewIdentityMiddleware constructs an IdentityMiddleware with the given secret.
func NewIdentityMiddleware(secret string) *IdentityMiddleware {
	return &IdentityMiddleware{jwtSecret: secret}
}

// Authenticate enforces bearer auth and stores the subject identity on the
// request context.
func (m *IdentityMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if strings.TrimSpace(authHeader) == "" {
			jsonError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			jsonError(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(m.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			jsonError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonError(w, http.StatusUnauthorized, "Invalid token claims")
			return
		}

		if exp, ok := claims["exp"].(float64); ok {
			if time.Now().Unix() > int64(exp) {
				jsonError(w, http.StatusUnauthorized, "Token expired")
				return
			}
		}

		subject, ok := claims["sub"].(string)
		if !ok || strings.TrimSpace(subject) == "" {
			jsonError(w, http.StatusUnauthorized, "Missing identity subject")
			return
		}

		ctx := context.WithValue(r.Context(), ctxIdentityKey, domain.Address(subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireIdentity additionally pins the authenticated subject to one fixed
// identity. Any other subject is rejected as a security event.
func (m *IdentityMiddleware) RequireIdentity(required domain.Address, next http.Handler) http.Handler {
	return m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || identity != required {
			jsonError(w, http.StatusForbidden, "Identity not authorized for this entry point")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// IdentityFromContext returns the authenticated identity from context.
func IdentityFromContext(ctx context.Context) (domain.Address, bool) {
	v := ctx.Value(ctxIdentityKey)
	id, ok := v.(domain.Address)
	return id, ok
}

// IssueToken mints a short-lived identity token. Used by tooling and tests.
func IssueToken(secret string, identity domain.Address, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": string(identity),
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	})
	return token.SignedString([]byte(secret))
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"%s"}`, message)))
}
