package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

func newClient(srv *httptest.Server, token string) *Client {
	return NewClient(srv.URL+"/", token, 10*time.Second, logger.Nop())
}

func TestTriggerSuccess(t *testing.T) {
	var gotURL, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/download" {
			http.NotFound(w, r)
			return
		}
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotURL, gotAuth = req.URL, r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(Receipt{Filename: "job1/clip.mp4", SizeMB: 12.34})
	}))
	defer srv.Close()

	rc, err := newClient(srv, "s3cret").Trigger(context.Background(), "https://1024terabox.com/s/1abc")
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if rc.Filename != "job1/clip.mp4" || rc.SizeMB != 12.34 {
		t.Errorf("receipt = %+v", rc)
	}
	if gotURL != "https://1024terabox.com/s/1abc" {
		t.Errorf("backend got url %q", gotURL)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestTriggerErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   *domain.Error
	}{
		{"cooling by code", 429, `{"detail":"All cookies cooling down","code":"cooling_down"}`, domain.ErrCredentialsCoolingDown},
		{"unsupported by code", 400, `{"detail":"no credential","code":"no_credential"}`, domain.ErrNoMatchingCredential},
		{"blocked by code", 400, `{"detail":"Mobile/WAP links are not supported","code":"blocked_link"}`, domain.ErrBlockedLink},
		{"tool failure by status", 500, `{"detail":"yt-dlp exited"}`, domain.ErrToolFailure},
		{"no artifact by status", 404, `{"detail":"No file found"}`, domain.ErrNoArtifact},
		{"cooling by status", 429, `{"detail":"All cookies cooling down"}`, domain.ErrCredentialsCoolingDown},
		{"plain text", 502, `bad gateway`, domain.ErrTransferFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newClient(srv, "").Trigger(context.Background(), "https://x")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v (kind %s), want %s", err, domain.KindOf(err), tt.want.Kind)
			}
			if domain.Message(err) == "" {
				t.Error("error should carry the backend detail")
			}
		})
	}
}

func TestTriggerBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	if _, err := newClient(srv, "").Trigger(context.Background(), "https://x"); !errors.Is(err, domain.ErrTransferFailure) {
		t.Fatalf("err = %v, want transfer failure", err)
	}
}

func TestRetrieveRoundTrip(t *testing.T) {
	payload := make([]byte, 3*ChunkSize+12345)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		http.ServeContent(w, r, "clip.mp4", time.Now(), bytes.NewReader(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "job1", "My clip.mp4")
	n, err := newClient(srv, "").Retrieve(context.Background(), "job1/My clip.mp4", dest)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("n = %d, want %d", n, len(payload))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("retrieved bytes differ from the served file")
	}
	if gotPath != "/file/job1/My%20clip.mp4" {
		t.Errorf("request path = %q", gotPath)
	}

	// no temp file left behind
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Errorf("destination dir has %d entries, want 1", len(entries))
	}
}

func TestRetrieveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"File not found","code":"not_found"}`))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.mp4")
	_, err := newClient(srv, "").Retrieve(context.Background(), "job1/out.mp4", dest)
	if !errors.Is(err, domain.ErrTransferFailure) {
		t.Fatalf("err = %v, want transfer failure", err)
	}
	if !strings.Contains(domain.Message(err), "File not found") {
		t.Errorf("message = %q", domain.Message(err))
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination should not exist after a failed retrieve")
	}
}

func TestRetrieveCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	dir := t.TempDir()
	_, err := newClient(srv, "").Retrieve(ctx, "job1/x.mp4", filepath.Join(dir, "x.mp4"))
	if err == nil {
		t.Fatal("Retrieve() should fail")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}
}
