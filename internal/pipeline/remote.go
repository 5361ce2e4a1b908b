package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

// Remote runs the fetch on the backend and pulls the file back before delivering it.
type Remote struct {
	client Transfer
	dir    string
	sink   domain.Sink
	logger logger.Logger
}

// NewRemote builds the split-process pipeline. dir holds retrieved copies until delivery.
func NewRemote(client Transfer, dir string, sink domain.Sink, log logger.Logger) *Remote {
	return &Remote{client: client, dir: dir, sink: sink, logger: log}
}

// Handle drives job to a terminal state. It satisfies queue.Handler.
func (r *Remote) Handle(ctx context.Context, job *domain.Job) error {
	log := jobLogger(r.logger, job)
	started := time.Now()

	// credential selection happens on the backend, inside the trigger call
	advance(log, job, domain.StateFetching)
	status(ctx, log, job, "📥 Downloading on the server…")

	receipt, err := r.client.Trigger(ctx, job.URL)
	if err != nil {
		return fail(ctx, log, job, err)
	}
	log = log.With(logger.String("token", receipt.Filename))
	status(ctx, log, job, fmt.Sprintf("📥 Downloaded (%.2f MB)\n📤 Uploading…", receipt.SizeMB))

	jobDir := filepath.Join(r.dir, job.ID)
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			nonFatal(log, "cleanup", err)
		}
	}()

	name := domain.SanitizeFilename(path.Base(receipt.Filename))
	dest := filepath.Join(jobDir, name)
	n, err := r.client.Retrieve(ctx, receipt.Filename, dest)
	if err != nil {
		return fail(ctx, log, job, err)
	}

	advance(log, job, domain.StateDelivering)
	art := domain.Artifact{JobID: job.ID, Name: name, Path: dest, SizeBytes: n, CreatedAt: time.Now()}
	if err := r.sink.Deliver(ctx, job, art); err != nil {
		return fail(ctx, log, job, deliveryError(err))
	}

	finish(ctx, log, job, started)
	return nil
}
