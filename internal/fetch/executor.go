package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

const (
	// OutputTemplate is handed to the tool, relative to the job directory.
	OutputTemplate = "%(title)s.%(ext)s"

	progressBuffer = 32
	stderrTailSize = 8
	maxLineBytes   = 1 << 20
)

// AcceptedExtensions lists the media types the executor will hand out.
var AcceptedExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".mov": true, ".avi": true, ".flv": true,
	".m4a": true, ".mp3": true, ".ogg": true, ".opus": true, ".wav": true,
}

// partialExtensions are left behind by an interrupted tool run.
var partialExtensions = map[string]bool{".part": true, ".ytdl": true}

// Config is the argument contract with the external retrieval tool.
type Config struct {
	Binary          string
	UserAgent       string
	Retries         int
	FragmentRetries int
	SocketTimeout   time.Duration
	MergeFormat     string
	DownloadDir     string
	// WaitDelay bounds how long output is drained after the process is killed.
	WaitDelay time.Duration
}

// Request is one run of the tool.
type Request struct {
	JobID      string
	URL        string
	Credential domain.Credential
}

// ProgressFunc receives raw progress lines. It runs on its own goroutine and may be slow.
type ProgressFunc func(line string)

// Executor drives the external retrieval tool, one process per job.
type Executor struct {
	cfg    Config
	logger logger.Logger
}

func New(cfg Config, log logger.Logger) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.MergeFormat == "" {
		cfg.MergeFormat = "mp4"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	return &Executor{cfg: cfg, logger: log}
}

// DownloadDir is the root holding every job directory.
func (e *Executor) DownloadDir() string { return e.cfg.DownloadDir }

// JobDir is the private output directory of one job.
func (e *Executor) JobDir(jobID string) string {
	return filepath.Join(e.cfg.DownloadDir, jobID)
}

// Cleanup removes the job directory and everything in it.
func (e *Executor) Cleanup(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return os.RemoveAll(e.JobDir(jobID))
}

// Args builds the tool command line for req.
func (e *Executor) Args(req Request) []string {
	args := []string{
		"--cookies", req.Credential.Path,
		"--user-agent", e.cfg.UserAgent,
		"--socket-timeout", strconv.Itoa(int(e.cfg.SocketTimeout / time.Second)),
		"--retries", strconv.Itoa(e.cfg.Retries),
		"--fragment-retries", strconv.Itoa(e.cfg.FragmentRetries),
		"--merge-output-format", e.cfg.MergeFormat,
		"--newline",
		"-o", filepath.Join(e.JobDir(req.JobID), OutputTemplate),
		req.URL,
	}
	return args
}

// Run launches the tool for req and resolves the produced artifact.
//
// Output is drained continuously; lines carrying a percentage are passed to progress
// through a bounded buffer and dropped when the consumer lags. Cancelling ctx kills
// the process and every child it spawned.
func (e *Executor) Run(ctx context.Context, req Request, progress ProgressFunc) (domain.Artifact, error) {
	const op = "fetch.run"
	log := e.logger.With(logger.String("job_id", req.JobID), logger.String("credential", req.Credential.Name))

	dir := e.JobDir(req.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Artifact{}, domain.E(domain.KindToolFailure, op, "could not prepare download directory", err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Binary, e.Args(req)...)
	cmd.WaitDelay = e.cfg.WaitDelay
	killGroup(cmd)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	events := make(chan string, progressBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for line := range events {
			if progress != nil {
				progress(line)
			}
		}
	}()

	tail := newTail(stderrTailSize)
	emit := func(line string) {
		if !strings.Contains(line, "%") {
			return
		}
		select {
		case events <- line:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(outR, emit)
	}()
	go func() {
		defer wg.Done()
		drain(errR, func(line string) {
			tail.add(line)
			emit(line)
		})
	}()

	log.Debug("starting retrieval tool", logger.String("binary", e.cfg.Binary))
	started := time.Now()
	runErr := cmd.Start()
	if runErr == nil {
		runErr = cmd.Wait()
	}
	_ = outW.Close()
	_ = errW.Close()
	wg.Wait()
	close(events)
	<-forwarded

	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.Artifact{}, domain.E(domain.KindShutdown, op, "retrieval interrupted", ctxErr)
	}
	if runErr != nil {
		log.Warn("retrieval tool failed",
			logger.Duration("elapsed", time.Since(started)),
			logger.Error(runErr))
		return domain.Artifact{}, domain.E(domain.KindToolFailure, op, toolFailureMessage(runErr, tail.lines()), runErr)
	}

	art, err := e.resolve(req.JobID)
	if err != nil {
		return domain.Artifact{}, err
	}
	log.Info("retrieval finished",
		logger.String("file", art.Name),
		logger.Int64("bytes", art.SizeBytes),
		logger.Duration("elapsed", time.Since(started)))
	return art, nil
}

// resolve picks the newest file in the job directory and renames it to its sanitized name.
func (e *Executor) resolve(jobID string) (domain.Artifact, error) {
	const op = "fetch.resolve"
	dir := e.JobDir(jobID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return domain.Artifact{}, domain.E(domain.KindNoArtifact, op, "no file produced", err)
	}

	var newest os.FileInfo
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == nil || info.ModTime().After(newest.ModTime()) {
			newest = info
		}
	}
	if newest == nil {
		return domain.Artifact{}, domain.E(domain.KindNoArtifact, op, "no file produced", nil)
	}

	ext := strings.ToLower(filepath.Ext(newest.Name()))
	switch {
	case partialExtensions[ext]:
		return domain.Artifact{}, domain.E(domain.KindNoArtifact, op, "download did not complete", nil)
	case !AcceptedExtensions[ext]:
		return domain.Artifact{}, domain.E(domain.KindNoArtifact, op,
			fmt.Sprintf("unsupported file type %q", ext), nil)
	}

	name := domain.SanitizeFilename(newest.Name())
	src := filepath.Join(dir, newest.Name())
	dst := filepath.Join(dir, name)
	if src != dst {
		if err := os.Rename(src, dst); err != nil {
			return domain.Artifact{}, domain.E(domain.KindNoArtifact, op, "could not rename artifact", err)
		}
	}

	return domain.Artifact{
		JobID:     jobID,
		Name:      name,
		Path:      dst,
		SizeBytes: newest.Size(),
		CreatedAt: time.Now(),
	}, nil
}

func toolFailureMessage(err error, tail []string) string {
	msg := "retrieval tool failed"
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg = fmt.Sprintf("retrieval tool exited with code %d", exitErr.ExitCode())
	}
	if len(tail) > 0 {
		msg += ": " + strings.Join(tail, " | ")
	}
	return msg
}

// drain reads r line by line until EOF. It keeps reading after an oversized line so
// the writer never blocks.
func drain(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sc.Split(scanLines)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			fn(line)
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// scanLines splits on \n or \r, progress bars rewrite their line with \r.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tail struct {
	mu  sync.Mutex
	max int
	buf []string
}

func newTail(n int) *tail { return &tail{max: n} }

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

// lines returns the retained lines, errors first when the tool flagged any.
func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []string
	for _, l := range t.buf {
		if strings.HasPrefix(l, "ERROR") {
			errs = append(errs, l)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	if n := len(t.buf); n > 2 {
		return append([]string(nil), t.buf[n-2:]...)
	}
	return append([]string(nil), t.buf...)
}
