package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimitPerIP(t *testing.T) {
	now := time.Unix(1000, 0)
	h := RateLimit(RateLimitConfig{
		Burst:             2,
		RefillPerIPPerMin: 6, // one token every 10s
		Now:               func() time.Time { return now },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/download", nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i, want := range []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests} {
		if rec := call("10.0.0.1"); rec.Code != want {
			t.Fatalf("call %d: status = %d, want %d", i, rec.Code, want)
		}
	}

	rec := call("10.0.0.1")
	if got := rec.Header().Get("Retry-After"); got != "10" {
		t.Errorf("Retry-After = %q, want 10", got)
	}

	if rec := call("10.0.0.2"); rec.Code != http.StatusNoContent {
		t.Errorf("other client status = %d, buckets must be per IP", rec.Code)
	}

	now = now.Add(10 * time.Second)
	if rec := call("10.0.0.1"); rec.Code != http.StatusNoContent {
		t.Errorf("status after refill = %d", rec.Code)
	}
}
