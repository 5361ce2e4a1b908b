package mw

import (
	"encoding/json"
	"net/http"
)

// writeError answers with the same {"detail","code"} body the handlers use.
func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail, "code": code})
}
