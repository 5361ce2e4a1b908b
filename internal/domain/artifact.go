package domain

import (
	"math"
	"path"
	"time"
)

// Artifact is a produced media file on local disk.
type Artifact struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name"` // sanitized base name
	Path      string    `json:"path"` // absolute or download-dir relative path
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is the opaque name the backend hands out for the retrieve step.
func (a Artifact) Token() string {
	return path.Join(a.JobID, a.Name)
}

// SizeMB is the size in mebibytes rounded to two decimals.
func (a Artifact) SizeMB() float64 {
	return RoundMB(a.SizeBytes)
}

// RoundMB converts bytes to mebibytes with two decimals.
func RoundMB(n int64) float64 {
	return math.Round(float64(n)/(1024*1024)*100) / 100
}
