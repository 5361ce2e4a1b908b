package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

// Handler processes one job to a terminal state.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) error { return f(ctx, job) }

// Pool runs a fixed number of workers over a Queue.
type Pool struct {
	queue   *Queue
	handler Handler
	workers int
	logger  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPool(q *Queue, h Handler, workers int, log logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:   q,
		handler: h,
		workers: workers,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Workers is the configured concurrency.
func (p *Pool) Workers() int { return p.workers }

// Start launches the workers.
func (p *Pool) Start() {
	p.logger.Info("Starting worker pool", logger.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
}

// Stop closes the queue and waits for in-flight jobs. If ctx ends first the job
// context is cancelled, which kills running tools, and Stop waits for the workers to
// unwind. Jobs still waiting are failed with a shutdown message.
func (p *Pool) Stop(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		p.queue.Close()

		// queued jobs will not be picked up once we ask workers to leave
		leftovers := p.queue.Drain()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			p.logger.Warn("Shutdown timeout reached, cancelling running jobs")
			p.cancel()
			<-done
			err = ctx.Err()
		}
		p.cancel()

		for _, job := range leftovers {
			p.fail(context.Background(), job,
				domain.E(domain.KindShutdown, "queue.stop", "shutting down", nil))
		}
		p.logger.Info("Worker pool stopped", logger.Int("dropped", len(leftovers)))
	})
	return err
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	log := p.logger.With(logger.Int("worker", id))
	for {
		job, err := p.queue.Pop(p.ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				log.Error("queue pop failed", logger.Error(err))
			}
			return
		}
		p.run(log, job)
	}
}

// run handles one job behind a recover boundary so a crash never takes the worker down.
func (p *Pool) run(log logger.Logger, job *domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked",
				logger.String("job_id", job.ID),
				logger.String("panic", fmt.Sprint(r)),
				logger.String("stack", string(debug.Stack())))
			p.fail(p.ctx, job, fmt.Errorf("internal error: %v", r))
		}
	}()

	log.Debug("job picked up", logger.String("job_id", job.ID), logger.Duration("waited", job.Age()))
	if err := p.handler.Handle(p.ctx, job); err != nil {
		log.Debug("job finished with error", logger.String("job_id", job.ID), logger.Error(err))
	}
}

// fail marks job failed and reports once to its origin.
func (p *Pool) fail(ctx context.Context, job *domain.Job, err error) {
	if !job.MarkFailed(err) {
		return
	}
	if job.Origin == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if ferr := job.Origin.Fail(ctx, err); ferr != nil {
		p.logger.Warn("could not report failure",
			logger.String("job_id", job.ID),
			logger.Error(ferr))
	}
}
