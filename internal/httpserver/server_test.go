package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrSnakeDoc/terafetch/internal/config"
	"github.com/MrSnakeDoc/terafetch/internal/credentials"
	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/fetch"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
	"github.com/MrSnakeDoc/terafetch/internal/index"
	"github.com/MrSnakeDoc/terafetch/internal/links"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/transfer"
)

const okTool = `#!/bin/sh
out=""
url=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    --newline) shift ;;
    --*) shift 2 ;;
    *) url="$1"; shift ;;
  esac
done
dir=$(dirname "$out")
echo "[download] 100.0% of 2.00MiB"
case "$url" in
  *fail*) echo "ERROR: unable to download" >&2; exit 1 ;;
  *empty*) exit 0 ;;
esac
head -c 2097152 /dev/zero > "$dir/Great Video.mp4"
`

type testEnv struct {
	deps   deps.Deps
	router http.Handler
	dir    string
}

func newEnv(t *testing.T, token string, creds ...*domain.Credential) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool needs a POSIX shell")
	}
	tool := filepath.Join(t.TempDir(), "fake-tool")
	if err := os.WriteFile(tool, []byte(okTool), 0o755); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	if creds == nil {
		creds = []*domain.Credential{{Name: "a", Path: "a.txt", Rule: domain.MatchRule{Suffixes: []string{"terabox.com"}}}}
	}
	log := logger.Nop()
	d := deps.Deps{
		Logger:      log,
		StartTime:   time.Now(),
		Version:     "test",
		TimeNow:     time.Now,
		APIToken:    token,
		RateBurst:   100,
		RatePerMin:  100,
		Links:       links.DefaultRules(),
		Credentials: credentials.NewPool(creds, 90*time.Second),
		Executor: fetch.New(fetch.Config{
			Binary:      tool,
			UserAgent:   "Mozilla/5.0",
			MergeFormat: "mp4",
			DownloadDir: dir,
		}, log),
		Slots:       semaphore.NewWeighted(2),
		Workers:     2,
		MemoryIndex: index.NewMemoryIndex(),
		DownloadDir: dir,
	}
	return &testEnv{deps: d, router: NewRouter(log, d), dir: dir}
}

func (e *testEnv) post(t *testing.T, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/download", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) transfer.ErrorBody {
	t.Helper()
	var body transfer.ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not json: %v", err)
	}
	return body
}

func TestDownloadSuccessThenFile(t *testing.T) {
	env := newEnv(t, "")

	rec := env.post(t, `{"url":"https://www.teraboxurl.com/s/1abc"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var rc transfer.Receipt
	if err := json.NewDecoder(rec.Body).Decode(&rc); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(rc.Filename, "/Great_Video.mp4") {
		t.Errorf("filename = %q", rc.Filename)
	}
	if rc.SizeMB != 2 {
		t.Errorf("size_mb = %v, want 2", rc.SizeMB)
	}
	if env.deps.MemoryIndex.Count() != 1 {
		t.Errorf("artifact not indexed")
	}

	file := env.get(t, "/file/"+rc.Filename)
	if file.Code != http.StatusOK {
		t.Fatalf("GET /file status = %d", file.Code)
	}
	if file.Body.Len() != 2*1024*1024 {
		t.Errorf("served %d bytes", file.Body.Len())
	}
	if cd := file.Header().Get("Content-Disposition"); !strings.Contains(cd, "Great_Video.mp4") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestDownloadErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind string
	}{
		{"blocked wap link", `{"url":"https://1024terabox.com/wap/share/filelist?surl=1"}`, 400, "blocked_link"},
		{"unsupported site", `{"url":"https://example.org/video"}`, 400, "no_credential"},
		{"tool exits 1", `{"url":"https://1024terabox.com/s/fail"}`, 500, "tool_failure"},
		{"no media produced", `{"url":"https://1024terabox.com/s/empty"}`, 404, "no_artifact"},
		{"missing url", `{}`, 400, "invalid_input"},
		{"not json", `url=x`, 400, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, "")
			rec := env.post(t, tt.body, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body)
			}
			body := decodeError(t, rec)
			if body.Code != tt.wantKind || body.Detail == "" {
				t.Errorf("body = %+v, want code %s", body, tt.wantKind)
			}
		})
	}
}

func TestDownloadFailureLeavesNoJobDir(t *testing.T) {
	env := newEnv(t, "")
	if rec := env.post(t, `{"url":"https://1024terabox.com/s/fail"}`, ""); rec.Code != 500 {
		t.Fatalf("status = %d", rec.Code)
	}
	entries, _ := os.ReadDir(env.dir)
	if len(entries) != 0 {
		t.Errorf("download dir not cleaned: %v", entries)
	}
}

func TestDownloadCoolingDown(t *testing.T) {
	env := newEnv(t, "")
	if rec := env.post(t, `{"url":"https://1024terabox.com/s/1"}`, ""); rec.Code != 200 {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := env.post(t, `{"url":"https://1024terabox.com/s/2"}`, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "cooling_down" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestFileRejectsTraversal(t *testing.T) {
	env := newEnv(t, "")
	secret := filepath.Join(filepath.Dir(env.dir), "secret.txt")
	_ = os.WriteFile(secret, []byte("nope"), 0o600)

	for _, target := range []string{
		"/file/../secret.txt",
		"/file/job/../../secret.txt",
		"/file/job/..%2F..%2Fsecret.txt",
		"/file/..",
	} {
		rec := env.get(t, target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, rec.Code)
		}
	}
}

func TestFileNotFound(t *testing.T) {
	env := newEnv(t, "")
	if rec := env.get(t, "/file/job1/missing.mp4"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if err := os.MkdirAll(filepath.Join(env.dir, "job1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if rec := env.get(t, "/file/job1"); rec.Code != http.StatusNotFound {
		t.Errorf("directory status = %d, want 404", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	env := newEnv(t, "s3cret")

	if rec := env.post(t, `{"url":"https://1024terabox.com/s/1"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}
	if rec := env.post(t, `{"url":"https://1024terabox.com/s/1"}`, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}
	if rec := env.post(t, `{"url":"https://1024terabox.com/s/1"}`, "s3cret"); rec.Code != http.StatusOK {
		t.Errorf("good token status = %d, want 200", rec.Code)
	}
	if rec := env.get(t, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz should stay public, got %d", rec.Code)
	}
}

func TestProbes(t *testing.T) {
	env := newEnv(t, "")
	if rec := env.get(t, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}
	rec := env.get(t, "/infra")
	if rec.Code != http.StatusOK {
		t.Fatalf("infra = %d", rec.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["mode"] != "operational" {
		t.Errorf("infra mode = %v", body["mode"])
	}

	empty := newEnv(t, "")
	empty.deps.Credentials = credentials.NewPool(nil, time.Minute)
	empty.router = NewRouter(logger.Nop(), empty.deps)
	if rec := empty.get(t, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz without credentials = %d, want 503", rec.Code)
	}
}

// The requester client and the backend router agree on the wire protocol.
func TestTransferProtocolRoundTrip(t *testing.T) {
	env := newEnv(t, "tok")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	client := transfer.NewClient(srv.URL, "tok", time.Minute, logger.Nop())
	rc, err := client.Trigger(context.Background(), "https://1024terabox.com/s/1abc")
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "copy.mp4")
	n, err := client.Retrieve(context.Background(), rc.Filename, dest)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	got, _ := os.ReadFile(dest)
	want, _ := os.ReadFile(filepath.Join(env.dir, filepath.FromSlash(rc.Filename)))
	if n != int64(len(want)) || !bytes.Equal(got, want) {
		t.Error("retrieved copy differs from the backend artifact")
	}

	// the only credential is now cooling down
	_, err = client.Trigger(context.Background(), "https://1024terabox.com/s/2")
	if !errors.Is(err, domain.ErrCredentialsCoolingDown) {
		t.Errorf("second Trigger() err = %v, want cooling down", err)
	}
}

func TestStopKillsRunningFetchBeforeReturning(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process state is read from /proc")
	}
	env := newEnv(t, "")

	pidFile := filepath.Join(t.TempDir(), "tool.pid")
	tool := filepath.Join(t.TempDir(), "slow-tool")
	script := "#!/bin/sh\nsleep 30 &\necho $! > " + pidFile + ".tmp && mv " + pidFile + ".tmp " + pidFile + "\nwait\n"
	if err := os.WriteFile(tool, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	env.deps.Executor = fetch.New(fetch.Config{Binary: tool, DownloadDir: env.dir, WaitDelay: time.Second}, logger.Nop())

	s := New(&config.Config{ListenPort: "127.0.0.1:0", TransferTimeout: time.Minute}, logger.Nop(), env.deps)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = s.http.Serve(ln) }()
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/download", "application/json",
			strings.NewReader(`{"url":"https://1024terabox.com/s/1abc"}`))
		if err == nil {
			_ = resp.Body.Close()
		}
	}()

	var pid string
	for deadline := time.Now().Add(5 * time.Second); pid == ""; {
		if raw, err := os.ReadFile(pidFile); err == nil {
			pid = strings.TrimSpace(string(raw))
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tool never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, ErrRequestsCancelled) {
		t.Fatalf("Stop() = %v, want ErrRequestsCancelled", err)
	}

	for deadline := time.Now().Add(2 * time.Second); !exited(pid); {
		if time.Now().After(deadline) {
			t.Fatalf("tool child %s survived Stop()", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func exited(pid string) bool {
	stat, err := os.ReadFile(filepath.Join("/proc", pid, "stat"))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat))
	return len(fields) > 2 && (fields[2] == "Z" || fields[2] == "X")
}
