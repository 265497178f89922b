package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidJWT       = errors.New("invalid JWT token")
	ErrExpiredJWT       = errors.New("JWT token expired")
	ErrInvalidTokenType = errors.New("invalid token type")
	ErrUnauthenticated  = errors.New("authentication required")
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// Claims represents the JWT payload for web sessions
type Claims struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
	// Type is empty on tokens issued before refresh tokens existed.
	Type string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the subject a token is minted for.
type Identity struct {
	UserID        string
	Email         string
	WalletAddress string
}

// GenerateAccessToken creates a short-lived access token
func GenerateAccessToken(id Identity, secret []byte) (string, error) {
	return signToken(id, TokenTypeAccess, AccessTokenTTL, secret)
}

// GenerateRefreshToken creates a long-lived refresh token
func GenerateRefreshToken(id Identity, secret []byte) (string, error) {
	return signToken(id, TokenTypeRefresh, RefreshTokenTTL, secret)
}

func signToken(id Identity, tokenType string, ttl time.Duration, secret []byte) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := time.Now()
	claims := &Claims{
		UserID:        id.UserID,
		Email:         id.Email,
		WalletAddress: id.WalletAddress,
		Type:          tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateJWT checks signature and expiry only. Callers pick the token type
// through ValidateAccessToken or ValidateRefreshToken.
func ValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method to prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredJWT
		}
		return nil, ErrInvalidJWT
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidJWT
}

// ValidateAccessToken accepts access tokens and legacy tokens without a type.
func ValidateAccessToken(tokenString string, secret []byte) (*Claims, error) {
	claims, err := ValidateJWT(tokenString, secret)
	if err != nil {
		return nil, err
	}
	switch claims.Type {
	case TokenTypeAccess, "":
		return claims, nil
	default:
		return nil, ErrInvalidTokenType
	}
}

// ValidateRefreshToken accepts only tokens explicitly typed as refresh.
func ValidateRefreshToken(tokenString string, secret []byte) (*Claims, error) {
	claims, err := ValidateJWT(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeRefresh {
		return nil, ErrInvalidTokenType
	}
	return claims, nil
}
