// Package auth issues and verifies the bearer tokens the gateway accepts:
// user tokens minted by the identity provider and admin tokens obtained by
// exchanging a service credential.
package auth

import "errors"

var (
	// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidCredentials is returned when a service credential does not verify.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrServiceNotFound is returned for an unknown service name.
	ErrServiceNotFound = errors.New("service not found")
)
