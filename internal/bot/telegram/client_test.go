package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

const testToken = "123:secret"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(testToken, time.Second, logger.Nop(), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func writeOK(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
}

func message(id int) string {
	return fmt.Sprintf(`{"message_id":%d,"date":0,"chat":{"id":42,"type":"private"}}`, id)
}

// params reads request parameters whether they were sent as a form or as json.
func params(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	out := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode params: %v", err)
		}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
				continue
			}
			b, _ := json.Marshal(v)
			out[k] = string(b)
		}
		return out
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse params: %v", err)
		}
	}
	for k, v := range r.Form {
		out[k] = v[0]
	}
	return out
}

func TestSendMessage(t *testing.T) {
	var (
		mu  sync.Mutex
		got map[string]string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot"+testToken+"/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		mu.Lock()
		got = params(t, r)
		mu.Unlock()
		writeOK(w, message(77))
	})

	id, err := c.SendMessage(context.Background(), 42, "hello", 5)
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if id != 77 {
		t.Errorf("id = %d", id)
	}
	mu.Lock()
	defer mu.Unlock()
	if got["text"] != "hello" || got["chat_id"] != "42" || !strings.Contains(got["reply_parameters"], `"message_id":5`) {
		t.Errorf("params = %v", got)
	}
}

func TestAPIErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		call    func(c *Client) error
		wantErr bool
	}{
		{
			name: "not modified edit is success",
			body: `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`,
			call: func(c *Client) error { return c.EditMessage(context.Background(), 1, 2, "x") },
		},
		{
			name:    "other edit failure",
			body:    `{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`,
			call:    func(c *Client) error { return c.EditMessage(context.Background(), 1, 2, "x") },
			wantErr: true,
		},
		{
			name:    "forbidden forward",
			body:    `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked"}`,
			call:    func(c *Client) error { return c.ForwardMessage(context.Background(), 1, 2, 3) },
			wantErr: true,
		},
		{
			name:    "garbage",
			body:    `<html>`,
			call:    func(c *Client) error { return c.DeleteMessage(context.Background(), 1, 2) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})
			err := tt.call(c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && strings.Contains(err.Error(), testToken) {
				t.Errorf("error leaks the token: %v", err)
			}
		})
	}
}

func TestRetriesWhenRateLimited(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`)
			return
		}
		writeOK(w, message(9))
	})

	id, err := c.SendMessage(context.Background(), 1, "x", 0)
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if id != 9 || calls.Load() != 2 {
		t.Errorf("id = %d, calls = %d", id, calls.Load())
	}
}

func TestTransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(testToken, time.Second, logger.Nop(), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.SendMessage(context.Background(), 1, "x", 0)
	if err == nil {
		t.Fatal("expected an error")
	}
	if strings.Contains(err.Error(), testToken) {
		t.Errorf("error leaks the token: %v", err)
	}
}

func TestSendDocumentUploadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	content := strings.Repeat("media", 100000)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		mu      sync.Mutex
		fields  map[string]string
		fname   string
		payload string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fields = params(t, r)
		f, hdr, err := r.FormFile("document")
		if err != nil {
			t.Errorf("FormFile() error: %v", err)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		fname, payload = hdr.Filename, string(b)
		writeOK(w, message(300))
	})

	id, err := c.SendDocument(context.Background(), 42, path, "✅ clip.mp4", 8)
	if err != nil {
		t.Fatalf("SendDocument() error: %v", err)
	}
	if id != 300 {
		t.Errorf("id = %d", id)
	}
	mu.Lock()
	defer mu.Unlock()
	if fields["chat_id"] != "42" || fields["caption"] != "✅ clip.mp4" || !strings.Contains(fields["reply_parameters"], `"message_id":8`) {
		t.Errorf("fields = %v", fields)
	}
	if fname != "clip.mp4" || payload != content {
		t.Errorf("file = %s (%d bytes)", fname, len(payload))
	}
}

func TestSendDocumentMissingFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := c.SendDocument(context.Background(), 1, filepath.Join(t.TempDir(), "nope"), "", 0); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestPollDeliversMessagesInOrder(t *testing.T) {
	var served atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getUpdates") {
			t.Errorf("unexpected call %s", r.URL.Path)
		}
		if served.Swap(true) {
			time.Sleep(20 * time.Millisecond)
			writeOK(w, `[]`)
			return
		}
		writeOK(w, `[
			{"update_id":10,"message":{"message_id":1,"date":0,"chat":{"id":5,"type":"private"},"from":{"id":5,"is_bot":false,"first_name":"a"},"text":"a"}},
			{"update_id":11},
			{"update_id":12,"message":{"message_id":2,"date":0,"chat":{"id":5,"type":"private"},"from":{"id":5,"is_bot":false,"first_name":"a"},"caption":"b"}}
		]`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Poll(ctx, func(_ context.Context, m *models.Message) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, m.Text+m.Caption)
			if len(seen) == 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Poll() = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Poll() did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "a,b" {
		t.Errorf("seen = %v", seen)
	}
}
