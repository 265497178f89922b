package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pixelforge/pkg/auth"
)

// JWTTestHelper mints tokens for handler and middleware tests.
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{Secret: []byte("test-secret-for-unit-tests")}
}

// NewJWTTestHelperWithSecret creates a helper with a custom secret
func NewJWTTestHelperWithSecret(secret []byte) *JWTTestHelper {
	return &JWTTestHelper{Secret: secret}
}

// AccessToken returns a valid access token for userID.
func (h *JWTTestHelper) AccessToken(userID string) (string, error) {
	return auth.GenerateAccessToken(auth.Identity{UserID: userID}, h.Secret)
}

// RefreshToken returns a valid refresh token for userID.
func (h *JWTTestHelper) RefreshToken(userID string) (string, error) {
	return auth.GenerateRefreshToken(auth.Identity{UserID: userID}, h.Secret)
}

// ExpiredToken returns an access token that expired an hour ago.
func (h *JWTTestHelper) ExpiredToken(userID string) (string, error) {
	return h.sign(jwt.SigningMethodHS256, h.Secret, userID, auth.TokenTypeAccess, time.Now().Add(-time.Hour))
}

// TokenWithWrongSecret returns an access token signed with another key.
func (h *JWTTestHelper) TokenWithWrongSecret(userID string) (string, error) {
	return auth.GenerateAccessToken(auth.Identity{UserID: userID}, []byte("wrong-secret"))
}

// TokenWithNoneAlgorithm returns an unsigned token (alg=none).
func (h *JWTTestHelper) TokenWithNoneAlgorithm(userID string) (string, error) {
	return h.sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, userID, auth.TokenTypeAccess, time.Now().Add(time.Hour))
}

func (h *JWTTestHelper) sign(method jwt.SigningMethod, key interface{}, userID, tokenType string, expiresAt time.Time) (string, error) {
	claims := &auth.Claims{
		UserID: userID,
		Type:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-auth.AccessTokenTTL)),
		},
	}
	return jwt.NewWithClaims(method, claims).SignedString(key)
}
