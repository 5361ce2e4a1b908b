package mw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/utils"
)

// BearerAuth requires "Authorization: Bearer <token>". An empty token disables the check.
func BearerAuth(token string, trustProxy bool, log logger.Logger) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				log.Info("unauthorized request",
					logger.String("ip", utils.ClientIP(r, trustProxy)),
					logger.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", `Bearer realm="terafetch"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
