package auth

import (
	"crypto/subtle"
	"errors"
)

var (
	ErrMissingServiceToken = errors.New("service token not provided")
	ErrInvalidServiceToken = errors.New("invalid service token")
)

// ValidateServiceToken validates an operator/service bearer token in constant time.
func ValidateServiceToken(token string, expectedToken string) error {
	if token == "" {
		return ErrMissingServiceToken
	}
	if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		return ErrInvalidServiceToken
	}
	return nil
}
