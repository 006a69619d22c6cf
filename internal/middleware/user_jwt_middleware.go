package middleware

import (
	"net/http"
	"strings"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/config"
	"metered_gateway/internal/utils"
)

// UserJWTMiddleware authenticates end users by their bearer token and puts
// the user id into the request context.
func UserJWTMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			userID, err := auth.ValidateUserJWT(strings.TrimPrefix(authHeader, "Bearer "), cfg)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
