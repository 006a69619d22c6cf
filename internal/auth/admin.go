package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"metered_gateway/internal/config"
	"metered_gateway/internal/utils"
)

// AdminAuthType records how an admin token was obtained.
type AdminAuthType string

const (
	AdminAuthTypeToken AdminAuthType = "service_token"
)

// AdminClaims are the claims of an admin token.
type AdminClaims struct {
	AuthType    AdminAuthType `json:"auth_type"`
	AdminID     string        `json:"admin_id"`
	ServiceName string        `json:"service_name,omitempty"`
	Roles       []string      `json:"roles"`
	jwt.RegisteredClaims
}

// ServiceCredential is a long-lived service token, stored as an Argon2id hash.
type ServiceCredential struct {
	ID          uuid.UUID
	ServiceName string
	TokenHash   string
	Roles       []string
	Enabled     bool
	ExpiresAt   *time.Time
}

// ServiceCredentialStore resolves service credentials by name.
type ServiceCredentialStore interface {
	GetServiceCredential(ctx context.Context, serviceName string) (*ServiceCredential, error)
}

// StaticCredentialStore serves the credentials configured at startup.
type StaticCredentialStore struct {
	credentials map[string]*ServiceCredential
}

// NewStaticCredentialStore builds a store from configuration. A
// credential without a hash is skipped, so admin login stays closed.
func NewStaticCredentialStore(cfg config.AdminConfig) *StaticCredentialStore {
	s := &StaticCredentialStore{credentials: make(map[string]*ServiceCredential)}
	if cfg.ServiceName != "" && cfg.ServiceTokenHash != "" {
		s.Add(&ServiceCredential{
			ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(cfg.ServiceName)),
			ServiceName: cfg.ServiceName,
			TokenHash:   cfg.ServiceTokenHash,
			Roles:       []string{RoleAdmin.String()},
			Enabled:     true,
		})
	}
	return s
}

// Add registers or replaces a credential.
func (s *StaticCredentialStore) Add(cred *ServiceCredential) {
	s.credentials[cred.ServiceName] = cred
}

func (s *StaticCredentialStore) GetServiceCredential(ctx context.Context, serviceName string) (*ServiceCredential, error) {
	cred, ok := s.credentials[serviceName]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return cred, nil
}

// GenerateAdminJWTWithToken exchanges a service token for an admin JWT.
func GenerateAdminJWTWithToken(ctx context.Context, serviceName, rawToken string, store ServiceCredentialStore, cfg *config.Config) (string, int64, error) {
	cred, err := store.GetServiceCredential(ctx, serviceName)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return "", 0, ErrInvalidCredentials
		}
		return "", 0, fmt.Errorf("failed to load service credential: %w", err)
	}

	if !cred.Enabled {
		return "", 0, fmt.Errorf("%w: service token disabled", ErrInvalidCredentials)
	}
	if cred.ExpiresAt != nil && cred.ExpiresAt.Before(time.Now()) {
		return "", 0, fmt.Errorf("%w: service token expired", ErrInvalidCredentials)
	}
	if !utils.VerifyPasswordArgon2(rawToken, cred.TokenHash) {
		return "", 0, ErrInvalidCredentials
	}

	ttl := cfg.Admin.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	expiresAt := time.Now().Add(ttl)

	claims := AdminClaims{
		AuthType:    AdminAuthTypeToken,
		AdminID:     cred.ID.String(),
		ServiceName: cred.ServiceName,
		Roles:       cred.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.ID.String(),
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

// ValidateAdminJWT verifies an admin token. User tokens signed with the
// same secret are rejected because they carry no auth type.
func ValidateAdminJWT(tokenString string, cfg *config.Config) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc(cfg))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.AuthType != AdminAuthTypeToken {
		return nil, fmt.Errorf("%w: not an admin token", ErrInvalidToken)
	}
	return claims, nil
}
