package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/fetch"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/transfer"
)

const maxBodyBytes = 16 << 10

// Download runs one fetch synchronously and answers with the token to retrieve.
func Download(d deps.Deps) http.HandlerFunc {
	validate := validator.New(validator.WithRequiredStructEnabled())

	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.download"
		ctx := r.Context()

		var req transfer.Request
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, domain.E(domain.KindInvalidInput, op, "request body must be {\"url\": \"...\"}", err))
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, domain.E(domain.KindInvalidInput, op, validationMessage(err), err))
			return
		}

		target, err := d.Links.Admit(req.URL)
		if err != nil {
			writeError(w, err)
			return
		}

		jobID := uuid.NewString()
		log := d.Logger.With(logger.String("job_id", jobID), logger.String("url", target))

		// a cancelled request gives its slot back without running anything
		if err := d.Slots.Acquire(ctx, 1); err != nil {
			log.Info("client gave up while waiting for a slot")
			return
		}
		defer d.Slots.Release(1)

		cred, err := d.Credentials.Acquire(target)
		if err != nil {
			log.Info("no credential available", logger.Error(err))
			writeError(w, err)
			return
		}

		started := time.Now()
		art, err := d.Executor.Run(ctx, fetch.Request{JobID: jobID, URL: target, Credential: cred}, func(line string) {
			log.Debug("progress", logger.String("line", line))
		})
		if err != nil {
			if cerr := d.Executor.Cleanup(jobID); cerr != nil {
				log.Warn("cleanup after failure", logger.Error(cerr))
			}
			if errors.Is(err, context.Canceled) {
				log.Info("client disconnected during fetch")
				return
			}
			writeError(w, err)
			return
		}

		d.MemoryIndex.Add(art)
		if d.Store != nil {
			if err := d.Store.SaveArtifact(ctx, art); err != nil {
				log.Warn("failed to save artifact to redis", logger.Error(err))
			}
		}

		log.Info("artifact ready",
			logger.String("token", art.Token()),
			logger.String("credential", cred.Name),
			logger.Float64("size_mb", art.SizeMB()),
			logger.Duration("elapsed", time.Since(started)))

		writeJSON(w, http.StatusOK, transfer.Receipt{
			Filename: art.Token(),
			SizeMB:   art.SizeMB(),
		})
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return "url is required"
		case "max":
			return "url is too long"
		}
		return "url failed validation: " + fe.Tag()
	}
	return "invalid request"
}
