package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pixelforge/pkg/ctxkeys"
)

// ServiceAuthMiddleware validates operator/service bearer tokens
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c, false)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			return
		}

		if err := ValidateServiceToken(token, expectedToken); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(string(ctxkeys.KeyAuthType), "service")
		c.Next()
	}
}

// JWTAuthMiddleware requires a valid access token. Refresh tokens are refused
// with kind "invalid_token_type".
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c, true)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authorization header", "kind": "unauthenticated"})
			return
		}

		claims, err := ValidateAccessToken(token, secret)
		if err != nil {
			kind := "invalid_token"
			switch {
			case errors.Is(err, ErrInvalidTokenType):
				kind = "invalid_token_type"
			case errors.Is(err, ErrExpiredJWT):
				kind = "token_expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "kind": kind})
			return
		}

		setIdentity(c, claims, token)
		c.Next()
	}
}

// OptionalJWTMiddleware attaches the caller identity when a valid access
// token is present and lets anonymous requests through untouched.
func OptionalJWTMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c, true); ok {
			if claims, err := ValidateAccessToken(token, secret); err == nil {
				setIdentity(c, claims, token)
			}
		}
		c.Next()
	}
}

func setIdentity(c *gin.Context, claims *Claims, token string) {
	c.Set(string(ctxkeys.KeyUserID), claims.UserID)
	c.Set(string(ctxkeys.KeyEmail), claims.Email)
	c.Set(string(ctxkeys.KeyWalletAddr), claims.WalletAddress)
	c.Set(string(ctxkeys.KeyAuthType), "jwt")
	c.Set(string(ctxkeys.KeyJWTToken), token)

	ctx := context.WithValue(c.Request.Context(), ctxkeys.KeyUserID, claims.UserID)
	ctx = context.WithValue(ctx, ctxkeys.KeyWalletAddr, claims.WalletAddress)
	c.Request = c.Request.WithContext(ctx)
}

// bearerToken extracts the bearer token, optionally falling back to the
// access_token cookie used by browser clients.
func bearerToken(c *gin.Context, allowCookie bool) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if !allowCookie {
			return "", false
		}
		if cookieToken, err := c.Cookie("access_token"); err == nil && cookieToken != "" {
			return cookieToken, true
		}
		return "", false
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
