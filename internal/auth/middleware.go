package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "authUserID"

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithUserID stores an authenticated subject in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// JWTMiddleware rejects requests without a valid bearer token.
func JWTMiddleware(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		authenticate(c, tokens, tokenString)
	}
}

// OptionalJWTMiddleware lets anonymous requests through but still rejects a
// bearer token that is present and invalid.
func OptionalJWTMiddleware(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Request.Header.Get("Authorization")
		if header == "" {
			c.Next()
			return
		}
		tokenString, err := extractBearerToken(header)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		authenticate(c, tokens, tokenString)
	}
}

func authenticate(c *gin.Context, tokens *TokenIssuer, tokenString string) {
	subject, err := tokens.Verify(tokenString)
	if err != nil {
		unauthorized(c, err.Error())
		return
	}

	c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), subject))
	c.Set(string(userIDKey), subject)
	c.Next()
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message, "kind": "unauthorized"})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
