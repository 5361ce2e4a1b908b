package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/mw"
)

func init() { Register("download", registerDownload) }

func registerDownload(r chi.Router, d deps.Deps) {
	r.With(
		mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger),
		mw.BearerAuth(d.APIToken, d.TrustProxy, d.Logger),
		mw.RateLimit(mw.RateLimitConfig{
			Burst:             d.RateBurst,
			RefillPerIPPerMin: d.RatePerMin,
			MaxEntries:        4096,
			TrustProxy:        d.TrustProxy,
		}),
	).Post("/download", handlers.Download(d))
}
