package middleware

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/onkernel/blockvol/lib/logger"
)

type contextKey string

const operatorKey contextKey = "operator"

// agentAudience is carried by the short-lived tokens the gateway mints for
// pool agents. Those tokens never open the operator API.
const agentAudience = "blockvol-agent"

// ErrorResponse writes a JSON error body.
func ErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `{"code":"%s","message":"%s"}`, http.StatusText(statusCode), message)
}

// extractBearerToken extracts the token from "Bearer <token>" format
func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return parts[1], nil
}

// GetOperatorFromContext returns the subject of the token that authorized
// the request.
func GetOperatorFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(operatorKey).(string); ok {
		return s
	}
	return ""
}

// JwtAuth creates a chi middleware that validates operator JWT bearer tokens
func JwtAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.DebugContext(r.Context(), "missing authorization header")
				ErrorResponse(w, "authorization header required", http.StatusUnauthorized)
				return
			}
			token, err := extractBearerToken(authHeader)
			if err != nil {
				log.DebugContext(r.Context(), "invalid authorization header", "error", err)
				ErrorResponse(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !parsed.Valid {
				log.DebugContext(r.Context(), "failed to parse JWT", "error", err)
				ErrorResponse(w, "invalid token", http.StatusUnauthorized)
				return
			}

			aud, _ := claims.GetAudience()
			if slices.Contains(aud, agentAudience) {
				log.DebugContext(r.Context(), "rejected agent token used for operator API")
				ErrorResponse(w, "invalid token type", http.StatusUnauthorized)
				return
			}

			sub, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), operatorKey, sub)
			ctx = logger.AddToContext(ctx, log.With("operator", sub))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
