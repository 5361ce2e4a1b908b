package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/fetch"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/transfer"
)

// Acquirer hands out credentials.
type Acquirer interface {
	Acquire(rawURL string) (domain.Credential, error)
}

// Fetcher runs the retrieval tool for one job.
type Fetcher interface {
	Run(ctx context.Context, req fetch.Request, progress fetch.ProgressFunc) (domain.Artifact, error)
	Cleanup(jobID string) error
}

// Transfer is the remote side of a split deployment.
type Transfer interface {
	Trigger(ctx context.Context, rawURL string) (transfer.Receipt, error)
	Retrieve(ctx context.Context, token, dest string) (int64, error)
}

// Admitter normalizes a link and rejects unsupported shapes.
type Admitter interface {
	Admit(raw string) (string, error)
}

// reportTimeout bounds the final status calls made after the job context ended.
const reportTimeout = 10 * time.Second

// fail records the terminal failure and reports it once to the origin.
func fail(ctx context.Context, log logger.Logger, job *domain.Job, err error) error {
	if !job.MarkFailed(err) {
		return err
	}
	log.Warn("job failed",
		logger.String("kind", domain.KindOf(err).String()),
		logger.Error(err))

	if job.Origin == nil {
		return err
	}
	rctx, cancel := reportContext(ctx)
	defer cancel()
	if rerr := job.Origin.Fail(rctx, err); rerr != nil {
		nonFatal(log, "report failure", rerr)
	}
	return err
}

// finish moves the job to done and clears its status.
func finish(ctx context.Context, log logger.Logger, job *domain.Job, started time.Time) {
	job.SetState(domain.StateDone)
	log.Info("job done", logger.Duration("elapsed", time.Since(started)))
	if job.Origin == nil {
		return
	}
	rctx, cancel := reportContext(ctx)
	defer cancel()
	if err := job.Origin.Done(rctx); err != nil {
		nonFatal(log, "clear status", err)
	}
}

// status updates the user-visible line. A failed update never fails the job.
func status(ctx context.Context, log logger.Logger, job *domain.Job, text string) {
	if job.Origin == nil {
		return
	}
	if err := job.Origin.Status(ctx, text); err != nil {
		nonFatal(log, "status update", err)
	}
}

// advance moves job to next; an illegal move is logged and ignored.
func advance(log logger.Logger, job *domain.Job, next domain.JobState) {
	if from := job.State(); !job.SetState(next) {
		log.Warn("illegal job transition ignored",
			logger.String("from", string(from)),
			logger.String("to", string(next)))
	}
}

// nonFatal logs secondary errors (forwarding, cleanup, status edits) without propagating them.
func nonFatal(log logger.Logger, what string, err error) {
	log.Warn("non fatal: "+what, logger.Error(err))
}

// deliveryError classifies sink failures that came back unclassified.
func deliveryError(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.E(domain.KindDeliveryFailure, "pipeline.deliver", err.Error(), err)
}

// reportContext survives the cancellation of the job context so the final message still goes out.
func reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
}

func jobLogger(log logger.Logger, job *domain.Job) logger.Logger {
	return log.With(logger.String("job_id", job.ID), logger.String("url", job.URL))
}
