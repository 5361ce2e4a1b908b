package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

type recordingOrigin struct {
	mu    sync.Mutex
	fails []error
}

func (o *recordingOrigin) Status(context.Context, string) error { return nil }
func (o *recordingOrigin) Progress(string)                      {}
func (o *recordingOrigin) Done(context.Context) error           { return nil }
func (o *recordingOrigin) Fail(_ context.Context, err error) error {
	o.mu.Lock()
	o.fails = append(o.fails, err)
	o.mu.Unlock()
	return nil
}

func (o *recordingOrigin) failures() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.fails...)
}

func newJob(url string) (*domain.Job, *recordingOrigin) {
	o := &recordingOrigin{}
	return domain.NewJob(url, o, domain.DeliveryConfig{}), o
}

func TestQueueFIFO(t *testing.T) {
	q := New()
	var jobs []*domain.Job
	for i := 0; i < 3; i++ {
		j, _ := newJob("u")
		pos, err := q.Push(j)
		if err != nil {
			t.Fatal(err)
		}
		if pos != i+1 {
			t.Errorf("position = %d, want %d", pos, i+1)
		}
		jobs = append(jobs, j)
	}

	for i := range jobs {
		got, err := q.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if got != jobs[i] {
			t.Errorf("pop %d returned the wrong job", i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d", q.Len())
	}
}

func TestQueuePopWaitsAndHonorsContext(t *testing.T) {
	q := New()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	got := make(chan *domain.Job, 1)
	go func() {
		j, _ := q.Pop(context.Background())
		got <- j
	}()
	time.Sleep(20 * time.Millisecond)
	j, _ := newJob("u")
	if _, err := q.Push(j); err != nil {
		t.Fatal(err)
	}

	select {
	case popped := <-got:
		if popped != j {
			t.Error("waiting Pop got the wrong job")
		}
	case <-time.After(time.Second):
		t.Fatal("waiting Pop never woke up")
	}
}

func TestQueueClose(t *testing.T) {
	q := New()
	j, _ := newJob("u")
	_, _ = q.Push(j)
	q.Close()
	q.Close()

	if _, err := q.Push(j); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Close: err = %v", err)
	}
	if got, err := q.Pop(context.Background()); err != nil || got != j {
		t.Errorf("waiting job should still pop, got %v, %v", got, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Pop on drained closed queue: err = %v", err)
	}
}

func TestPoolRunsAtMostWorkersConcurrently(t *testing.T) {
	const workers, jobs = 3, 12
	q := New()

	var running, peak, handled int32
	h := HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&handled, 1)
		return nil
	})

	p := NewPool(q, h, workers, logger.Nop())
	p.Start()
	for i := 0; i < jobs; i++ {
		j, _ := newJob("u")
		_, _ = q.Push(j)
	}

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&handled) < jobs && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&handled); got != jobs {
		t.Errorf("handled = %d, want %d", got, jobs)
	}
	if got := atomic.LoadInt32(&peak); got > workers {
		t.Errorf("peak concurrency = %d, want <= %d", got, workers)
	}
}

func TestPoolEachJobHandledOnce(t *testing.T) {
	q := New()
	var mu sync.Mutex
	seen := map[string]int{}
	h := HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		return nil
	})

	p := NewPool(q, h, 4, logger.Nop())
	p.Start()
	ids := map[string]bool{}
	for i := 0; i < 50; i++ {
		j, _ := newJob("u")
		ids[j.ID] = true
		_, _ = q.Push(j)
	}
	for q.Len() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	_ = p.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	for id := range ids {
		if seen[id] != 1 {
			t.Errorf("job %s handled %d times", id, seen[id])
		}
	}
}

func TestPoolSurvivesPanic(t *testing.T) {
	q := New()
	var calls int32
	h := HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		job.SetState(domain.StateFetching)
		return nil
	})

	p := NewPool(q, h, 1, logger.Nop())
	p.Start()

	bad, badOrigin := newJob("bad")
	good, _ := newJob("good")
	_, _ = q.Push(bad)
	_, _ = q.Push(good)

	deadline := time.Now().Add(2 * time.Second)
	for good.State() != domain.StateFetching && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = p.Stop(context.Background())

	if bad.State() != domain.StateFailed {
		t.Errorf("panicking job state = %s, want failed", bad.State())
	}
	if len(badOrigin.failures()) != 1 {
		t.Errorf("origin got %d failure reports, want 1", len(badOrigin.failures()))
	}
	if good.State() != domain.StateFetching {
		t.Errorf("next job was not processed after panic")
	}
}

func TestPoolStopCancelsAfterTimeoutAndFailsQueued(t *testing.T) {
	q := New()
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	p := NewPool(q, h, 1, logger.Nop())
	p.Start()

	running, _ := newJob("running")
	waiting, waitingOrigin := newJob("waiting")
	_, _ = q.Push(running)
	<-started
	_, _ = q.Push(waiting)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() err = %v, want deadline exceeded", err)
	}

	fails := waitingOrigin.failures()
	if len(fails) != 1 || !errors.Is(fails[0], domain.ErrShutdown) {
		t.Errorf("queued job failures = %v, want one shutdown error", fails)
	}
	if _, err := q.Push(waiting); !errors.Is(err, ErrClosed) {
		t.Errorf("queue should refuse new jobs after Stop")
	}
}
