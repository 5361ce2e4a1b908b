package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/fetch"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

// Local runs the whole job in-process: acquire, fetch, deliver, clean up.
type Local struct {
	links   Admitter
	creds   Acquirer
	fetcher Fetcher
	sink    domain.Sink
	logger  logger.Logger
}

func NewLocal(links Admitter, creds Acquirer, fetcher Fetcher, sink domain.Sink, log logger.Logger) *Local {
	return &Local{links: links, creds: creds, fetcher: fetcher, sink: sink, logger: log}
}

// Handle drives job to a terminal state. It satisfies queue.Handler.
func (l *Local) Handle(ctx context.Context, job *domain.Job) error {
	log := jobLogger(l.logger, job)
	started := time.Now()

	target, err := l.links.Admit(job.URL)
	if err != nil {
		return fail(ctx, log, job, err)
	}

	advance(log, job, domain.StateAcquiringCredential)
	cred, err := l.creds.Acquire(target)
	if err != nil {
		return fail(ctx, log, job, err)
	}
	log = log.With(logger.String("credential", cred.Name))

	advance(log, job, domain.StateFetching)
	status(ctx, log, job, "📥 Downloading…")
	defer func() {
		if err := l.fetcher.Cleanup(job.ID); err != nil {
			nonFatal(log, "cleanup", err)
		}
	}()

	var progress fetch.ProgressFunc
	if job.Origin != nil {
		progress = job.Origin.Progress
	}
	art, err := l.fetcher.Run(ctx, fetch.Request{JobID: job.ID, URL: target, Credential: cred}, progress)
	if err != nil {
		return fail(ctx, log, job, err)
	}

	advance(log, job, domain.StateDelivering)
	status(ctx, log, job, fmt.Sprintf("📥 Downloaded (%.2f MB)\n📤 Uploading…", art.SizeMB()))
	if err := l.sink.Deliver(ctx, job, art); err != nil {
		return fail(ctx, log, job, deliveryError(err))
	}

	finish(ctx, log, job, started)
	return nil
}
