package handlers

import (
	"net/http"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
)

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Version       string  `json:"version,omitempty"`
	Commit        string  `json:"commit,omitempty"`
	BuildDate     string  `json:"build_date,omitempty"`
	GoVersion     string  `json:"go_version,omitempty"`
	Workers       int     `json:"workers"`
	Artifacts     int     `json:"artifacts"`
}

// Healthz is the liveness probe. It never touches the tool, the credentials or Redis.
func Healthz(d deps.Deps) http.HandlerFunc {
	now := d.TimeNow
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthzResponse{
			Status:        "ok",
			UptimeSeconds: now().Sub(d.StartTime).Seconds(),
			Version:       d.Version,
			Commit:        d.Commit,
			BuildDate:     d.BuildDate,
			GoVersion:     d.GoVersion,
			Workers:       d.Workers,
		}
		if d.MemoryIndex != nil {
			resp.Artifacts = d.MemoryIndex.Count()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

