package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/onkernel/blockvol/lib/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	tokenIssuer   = "blockvol"
	tokenAudience = "blockvol-agent"
	tokenTTL      = 5 * time.Minute
)

// MintToken signs a short-lived agent access token for subject.
func MintToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken checks an agent access token and returns its subject.
func ValidateToken(secret, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithAudience(tokenAudience))
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Subject, nil
}

// tokenCredentials attaches a freshly minted bearer token to every call.
type tokenCredentials struct {
	secret  string
	subject string
}

var _ credentials.PerRPCCredentials = tokenCredentials{}

func (c tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token, err := MintToken(c.secret, c.subject, tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("mint agent token: %w", err)
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

func (c tokenCredentials) RequireTransportSecurity() bool {
	return false
}

// extractBearerToken extracts the token from "Bearer <token>" format
func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return parts[1], nil
}

// AuthInterceptor rejects calls without a valid bearer token. An empty
// secret disables authentication.
func AuthInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if secret == "" {
			return handler(ctx, req)
		}
		log := logger.FromContext(ctx)

		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			log.DebugContext(ctx, "missing authorization metadata", "method", info.FullMethod)
			return nil, status.Error(codes.Unauthenticated, "authorization required")
		}
		token, err := extractBearerToken(values[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		subject, err := ValidateToken(secret, token)
		if err != nil {
			log.DebugContext(ctx, "failed to validate agent token", "error", err)
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		ctx = logger.AddToContext(ctx, log.With("caller", subject))
		return handler(ctx, req)
	}
}
