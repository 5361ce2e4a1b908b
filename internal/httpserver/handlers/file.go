package handlers

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/utils"
)

// File streams an artifact by token. The token is relative to the download directory
// and may never leave it.
func File(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.file"

		token, err := tokenParam(r)
		if err != nil {
			writeError(w, domain.E(domain.KindInvalidInput, op, "invalid file name", err))
			return
		}
		full, err := resolveToken(d.DownloadDir, token)
		if err != nil {
			d.Logger.Warn("rejected file request",
				logger.String("token", token),
				logger.String("remote_ip", r.RemoteAddr))
			writeError(w, err)
			return
		}

		f, err := os.Open(full)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				writeError(w, domain.E(domain.KindNotFound, op, "File not found", nil))
				return
			}
			writeError(w, domain.E(domain.KindUnknown, op, "could not open file", err))
			return
		}
		defer utils.Close(f)

		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			writeError(w, domain.E(domain.KindNotFound, op, "File not found", err))
			return
		}

		name := path.Base(token)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func tokenParam(r *http.Request) (string, error) {
	token := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return token, nil
	}
	return url.PathUnescape(token)
}

// resolveToken maps token to a path under root, rejecting anything that could escape it.
func resolveToken(root, token string) (string, error) {
	const op = "http.file"
	bad := domain.E(domain.KindInvalidInput, op, "invalid file name", nil)

	if token == "" || strings.ContainsAny(token, "\\\x00") || path.IsAbs(token) {
		return "", bad
	}
	for _, seg := range strings.Split(token, "/") {
		if seg == ".." {
			return "", bad
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", domain.E(domain.KindUnknown, op, "download dir unavailable", err)
	}
	full := filepath.Join(absRoot, filepath.FromSlash(token))
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", bad
	}
	return full, nil
}
