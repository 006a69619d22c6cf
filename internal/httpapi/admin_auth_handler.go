package httpapi

import (
	"errors"
	"net/http"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/config"
	"metered_gateway/internal/utils"
)

// AdminAuthHandler exchanges service tokens for admin JWTs.
type AdminAuthHandler struct {
	store  auth.ServiceCredentialStore
	cfg    *config.Config
	logger *utils.Logger
}

// NewAdminAuthHandler creates a new admin auth handler
func NewAdminAuthHandler(store auth.ServiceCredentialStore, cfg *config.Config) *AdminAuthHandler {
	return &AdminAuthHandler{
		store:  store,
		cfg:    cfg,
		logger: utils.NewLogger("admin-auth"),
	}
}

// TokenAuthRequest is the body of POST /admin/auth/token.
type TokenAuthRequest struct {
	ServiceName string `json:"serviceName" validate:"required,max=128"`
	Token       string `json:"token" validate:"required"`
}

// TokenAuthResponse carries the issued admin JWT.
type TokenAuthResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"exp"`
}

// TokenAuth handles POST /admin/auth/token
func (h *AdminAuthHandler) TokenAuth(w http.ResponseWriter, r *http.Request) {
	var req TokenAuthRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, exp, err := auth.GenerateAdminJWTWithToken(r.Context(), req.ServiceName, req.Token, h.store, h.cfg)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Warn("Rejected service token", "service", req.ServiceName)
			utils.RespondWithError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("Failed to issue admin token", "service", req.ServiceName, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, TokenAuthResponse{Token: token, ExpiresAt: exp})
}
