package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready       bool   `json:"ready"`
	Credentials int    `json:"credentials"`
	Reason      string `json:"reason,omitempty"`
}

// Readyz reports ready once at least one credential is loaded.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := d.Credentials.Len()
		if n == 0 {
			writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Reason: "no credentials loaded"})
			return
		}
		writeJSON(w, http.StatusOK, readyzResponse{Ready: true, Credentials: n})
	}
}
