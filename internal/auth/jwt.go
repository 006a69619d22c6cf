package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"metered_gateway/internal/config"
)

// UserClaims are the claims of a user token. Subject is the opaque user id.
type UserClaims struct {
	// AuthType is only set on admin tokens; user tokens must leave it empty.
	AuthType string `json:"auth_type,omitempty"`
	jwt.RegisteredClaims
}

// GenerateUserJWT signs a user token. The identity provider normally issues
// these; the gateway mints them for tooling and tests.
func GenerateUserJWT(userID string, ttl time.Duration, cfg *config.Config) (string, int64, error) {
	expiresAt := time.Now().Add(ttl)
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(cfg.JWTSecret)
	if err != nil {
		return "", 0, err
	}
	return signedToken, expiresAt.Unix(), nil
}

// ValidateUserJWT verifies a user token and returns the user id.
func ValidateUserJWT(tokenString string, cfg *config.Config) (string, error) {
	claims := &UserClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc(cfg))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.AuthType != "" {
		return "", fmt.Errorf("%w: not a user token", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return "", fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}
	return claims.Subject, nil
}

func keyFunc(cfg *config.Config) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return cfg.JWTSecret, nil
	}
}
