package domain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState is the position of a job in its processing state machine.
type JobState string

const (
	StateQueued              JobState = "queued"
	StateAcquiringCredential JobState = "acquiring_credential"
	StateFetching            JobState = "fetching"
	StateDelivering          JobState = "delivering"
	StateDone                JobState = "done"
	StateFailed              JobState = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists the legal successors of each state.
var transitions = map[JobState][]JobState{
	StateQueued:              {StateAcquiringCredential, StateFetching, StateFailed},
	StateAcquiringCredential: {StateFetching, StateFailed},
	StateFetching:            {StateDelivering, StateFailed},
	StateDelivering:          {StateDone, StateFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Origin is the opaque handle back to whoever submitted the job. The core never
// looks inside it, it only reports through it.
type Origin interface {
	// Status replaces the user-visible status line of the job.
	Status(ctx context.Context, text string) error
	// Progress carries one progress snapshot from the retrieval tool.
	Progress(text string)
	// Fail reports the single terminal failure message.
	Fail(ctx context.Context, err error) error
	// Done clears the status once the artifact has been delivered.
	Done(ctx context.Context) error
}

// Sink hands a completed artifact to its final destination.
type Sink interface {
	Deliver(ctx context.Context, job *Job, art Artifact) error
}

// DeliveryConfig is the optional per-user delivery configuration.
type DeliveryConfig struct {
	// ForwardTo is a secondary destination receiving a copy of each file.
	ForwardTo string
}

// Job is one requested download.
type Job struct {
	ID        string
	URL       string // raw, pre-normalization
	Origin    Origin
	Delivery  DeliveryConfig
	CreatedAt time.Time

	mu        sync.Mutex
	state     JobState
	changedAt time.Time
	err       error
}

// NewJob creates a queued job with a fresh id.
func NewJob(rawURL string, origin Origin, delivery DeliveryConfig) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Origin:    origin,
		Delivery:  delivery,
		CreatedAt: now,
		state:     StateQueued,
		changedAt: now,
	}
}

// State returns the current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetState moves the job forward. Illegal transitions are refused and reported false.
func (j *Job) SetState(to JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !CanTransition(j.state, to) {
		return false
	}
	j.state = to
	j.changedAt = time.Now()
	return true
}

// MarkFailed records the terminal failure, whatever the current non-terminal state.
func (j *Job) MarkFailed(err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	j.state = StateFailed
	j.changedAt = time.Now()
	j.err = err
	return true
}

// Err returns the failure recorded by MarkFailed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Age is the time elapsed since submission.
func (j *Job) Age() time.Duration {
	return time.Since(j.CreatedAt)
}
