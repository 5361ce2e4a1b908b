package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/utils"
	"github.com/MrSnakeDoc/terafetch/internal/version"
)

// ChunkSize is the copy unit of Retrieve.
const ChunkSize = 1 << 20

// Request is the body of POST /download.
type Request struct {
	URL string `json:"url" validate:"required,max=2048"`
}

// Receipt is the success body of POST /download.
type Receipt struct {
	Filename string  `json:"filename"`
	SizeMB   float64 `json:"size_mb"`
}

// ErrorBody is returned by the backend on any failure.
type ErrorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

// Client talks to the backend: Trigger runs a fetch there, Retrieve pulls the result.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  logger.Logger
}

// NewClient builds a client. timeout covers a whole trigger or retrieve call.
func NewClient(baseURL, token string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  log,
	}
}

// Trigger asks the backend to fetch rawURL and blocks until the artifact exists there.
func (c *Client) Trigger(ctx context.Context, rawURL string) (Receipt, error) {
	const op = "transfer.trigger"

	body, err := json.Marshal(Request{URL: rawURL})
	if err != nil {
		return Receipt{}, domain.E(domain.KindInvalidInput, op, "could not encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/download", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, domain.E(domain.KindTransferFailure, op, "invalid backend address", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, transportError(ctx, op, err)
	}
	defer utils.Close(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Receipt{}, responseError(op, resp)
	}

	var rc Receipt
	if err := json.NewDecoder(resp.Body).Decode(&rc); err != nil {
		return Receipt{}, domain.E(domain.KindTransferFailure, op, "malformed backend response", err)
	}
	if rc.Filename == "" {
		return Receipt{}, domain.E(domain.KindTransferFailure, op, "backend returned no file name", nil)
	}
	return rc, nil
}

// Retrieve downloads token into dest and returns the byte count. The body goes to a
// temporary file in dest's directory that is renamed once complete.
func (c *Client) Retrieve(ctx context.Context, token, dest string) (int64, error) {
	const op = "transfer.retrieve"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/"+escapeToken(token), nil)
	if err != nil {
		return 0, domain.E(domain.KindTransferFailure, op, "invalid backend address", err)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, transportError(ctx, op, err)
	}
	defer utils.Close(resp.Body)

	if resp.StatusCode != http.StatusOK {
		err := responseError(op, resp)
		return 0, domain.E(domain.KindTransferFailure, op, domain.Message(err), err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, domain.E(domain.KindTransferFailure, op, "could not prepare destination", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".retrieve-*")
	if err != nil {
		return 0, domain.E(domain.KindTransferFailure, op, "could not create destination", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	// hide ReadFrom so the copy really goes through ChunkSize buffers
	n, err := io.CopyBuffer(struct{ io.Writer }{tmp}, resp.Body, make([]byte, ChunkSize))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, transportError(ctx, op, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return 0, domain.E(domain.KindTransferFailure, op,
			fmt.Sprintf("truncated transfer: got %d of %d bytes", n, resp.ContentLength), nil)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return 0, domain.E(domain.KindTransferFailure, op, "could not store file", err)
	}
	committed = true

	c.logger.Debug("retrieved artifact",
		logger.String("token", token),
		logger.Int64("bytes", n))
	return n, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", version.UserAgent())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// escapeToken escapes each path segment, keeping the separators.
func escapeToken(token string) string {
	parts := strings.Split(token, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return domain.E(domain.KindShutdown, op, "transfer interrupted", err)
	}
	return domain.E(domain.KindTransferFailure, op, "backend unreachable: "+err.Error(), err)
}

// responseError rebuilds the backend's classified error from a non-200 response.
func responseError(op string, resp *http.Response) error {
	var body ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &body); err != nil || body.Detail == "" {
		body.Detail = strings.TrimSpace(string(raw))
		if body.Detail == "" {
			body.Detail = resp.Status
		}
	}

	kind := domain.KindFromCode(body.Code)
	switch {
	case kind != domain.KindUnknown:
	case body.Code != "":
		// a code from a middleware (rate limit, auth), not a fetch outcome
		kind = domain.KindTransferFailure
	default:
		kind = kindForStatus(resp.StatusCode)
	}
	return domain.E(kind, op, body.Detail, nil)
}

func kindForStatus(status int) domain.Kind {
	switch status {
	case http.StatusTooManyRequests:
		return domain.KindCredentialsCoolingDown
	case http.StatusNotFound:
		return domain.KindNoArtifact
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.KindInvalidInput
	case http.StatusInternalServerError:
		return domain.KindToolFailure
	case http.StatusServiceUnavailable:
		return domain.KindShutdown
	default:
		return domain.KindTransferFailure
	}
}
