/**
 * @description
 * Service-to-service authentication for the payment API. Callers present either
 * the shared internal API key or an HS256 token signed with the service secret.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: service token validation.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerKey CallerContextKey = "caller"

const internalCaller = "internal-api-key"

// ServiceAuthMiddleware accepts the X-Internal-API-Key header or a Bearer service
// token. With neither credential configured every request is let through, which
// is how local development runs.
func ServiceAuthMiddleware(internalKey, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internalKey == "" && jwtSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			if provided := r.Header.Get("X-Internal-API-Key"); provided != "" && internalKey != "" {
				if subtle.ConstantTimeCompare([]byte(provided), []byte(internalKey)) != 1 {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, internalCaller)))
				return
			}

			if jwtSecret == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			caller, err := verifyServiceToken(tokenString, jwtSecret)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
		})
	}
}

func verifyServiceToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("subject not found in token")
	}
	return subject, nil
}

// GetCaller returns the authenticated caller: the token subject, or a fixed name
// for internal API key callers.
func GetCaller(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok
}
