package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/credentials"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
	redisstore "github.com/MrSnakeDoc/terafetch/internal/store/redis"
)

type componentStatus struct {
	OK     bool   `json:"ok"`
	Mode   string `json:"mode,omitempty"`
	Impact string `json:"impact,omitempty"`
	Error  string `json:"error,omitempty"`
}

type infraResponse struct {
	Mode        string                                `json:"mode"`
	Components  map[string]componentStatus           `json:"components"`
	Credentials []credentials.Status                  `json:"credentials"`
	Usage       map[string]redisstore.CredentialUsage `json:"usage,omitempty"`
	Artifacts   int                                   `json:"artifacts"`
	LastSync    string                                `json:"last_sync"`
	Workers     int                                   `json:"workers"`
	Cooldown    string                                `json:"cooldown"`
}

func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := d.Credentials.Snapshot()
		eligible := 0
		for _, s := range snapshot {
			if s.Eligible {
				eligible++
			}
		}

		lastSync := "never"
		if t := d.MemoryIndex.LastSync(); !t.IsZero() {
			lastSync = t.Format("2006-01-02 15:04:05")
		}

		components := map[string]componentStatus{
			"credentials": {
				OK:   len(snapshot) > 0,
				Mode: credentialMode(len(snapshot), eligible),
			},
			"redis": checkRedis(r.Context(), d.Store),
		}

		resp := infraResponse{
			Mode:        determineMode(components),
			Components:  components,
			Credentials: snapshot,
			Artifacts:   d.MemoryIndex.Count(),
			LastSync:    lastSync,
			Workers:     d.Workers,
			Cooldown:    d.Credentials.Cooldown().String(),
		}
		if d.Store != nil && components["redis"].OK {
			if usage, err := d.Store.GetUsageStats(r.Context()); err == nil {
				resp.Usage = usage
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func credentialMode(total, eligible int) string {
	switch {
	case total == 0:
		return "empty"
	case eligible == 0:
		return "all-cooling-down"
	default:
		return "available"
	}
}

func determineMode(components map[string]componentStatus) string {
	if c := components["credentials"]; !c.OK {
		return "critical"
	}
	if r := components["redis"]; !r.OK && r.Mode != "disabled" {
		return "degraded"
	}
	return "operational"
}

func checkRedis(parent context.Context, store *redisstore.Store) componentStatus {
	if store == nil {
		return componentStatus{
			OK:     true,
			Mode:   "disabled",
			Impact: "artifacts-memory-only",
		}
	}

	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "artifacts-not-persisted",
			Error:  err.Error(),
		}
	}
	return componentStatus{
		OK:     true,
		Mode:   "optimal",
		Impact: "artifacts-persisted",
	}
}
