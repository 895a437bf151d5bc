// Package jobs runs sync and publish operations as background jobs.
//
// A job is a plain function. The Runner gives every job exclusive access to
// the resource it names by holding a reservation for the whole run, and
// reports progress through a Handle the caller can poll or wait on.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/reservation"
)

// ErrPanic is wrapped by the error of a job that panicked
var ErrPanic = errors.New("job panicked")

// ErrShutdown is returned when submitting to a runner that was shut down
var ErrShutdown = errors.New("job runner is shut down")

// defaultRetention is how long finished handles stay retrievable by id
const defaultRetention = time.Hour

// State is the lifecycle state of a job
type State string

const (
	// StateWaiting means the job waits for its reservation
	StateWaiting State = "Waiting"
	// StateRunning means the job body is executing
	StateRunning State = "Running"
	// StateCompleted means the job finished successfully
	StateCompleted State = "Completed"
	// StateFailed means the job returned an error
	StateFailed State = "Failed"
	// StateCanceled means the job was canceled
	StateCanceled State = "Canceled"
)

// Finished reports whether s is a terminal state
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Spec describes a job to run
type Spec struct {
	// Name describes the job in logs, e.g. "sync nuget-org"
	Name string
	// Resource is the reservation key, normally the repository name
	Resource string
	// Run is the job body
	Run func(ctx context.Context) (any, error)
}

// Handle tracks a submitted job
type Handle struct {
	ID       uuid.UUID
	Name     string
	Resource string

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	state    State
	result   any
	err      error
	created  time.Time
	started  time.Time
	finished time.Time
}

// State returns the current state
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Done is closed when the job finishes
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx is done and returns the job's
// result and error. Canceling ctx does not cancel the job.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.result, h.err
}

// Err returns the job error, nil while the job is unfinished or when it succeeded
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// ErrorKind classifies the job error
func (h *Handle) ErrorKind() Kind {
	return ErrorKind(h.Err())
}

// Cancel asks the job to stop
func (h *Handle) Cancel() {
	h.cancel()
}

// Times returns when the job was created, started and finished. Zero values
// mean the job has not reached that point yet.
func (h *Handle) Times() (created, started, finished time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.created, h.started, h.finished
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
	if s == StateRunning {
		h.started = time.Now()
	}
}

func (h *Handle) finish(result any, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.finished = time.Now()
	switch {
	case err == nil:
		h.state = StateCompleted
	case ErrorKind(err) == KindCanceled:
		h.state = StateCanceled
	default:
		h.state = StateFailed
	}
	h.mu.Unlock()
	close(h.done)
}

// Runner runs jobs concurrently, one at a time per resource
type Runner struct {
	reserver  reservation.Reserver
	retention time.Duration

	mu       sync.Mutex
	handles  map[uuid.UUID]*Handle
	shutdown bool
	wg       sync.WaitGroup
}

// Option configures a Runner
type Option func(*Runner)

// WithRetention sets how long finished handles stay retrievable by id
func WithRetention(d time.Duration) Option {
	return func(r *Runner) {
		r.retention = d
	}
}

// NewRunner creates a Runner that reserves resources with reserver
func NewRunner(reserver reservation.Reserver, opts ...Option) *Runner {
	r := &Runner{
		reserver:  reserver,
		retention: defaultRetention,
		handles:   make(map[uuid.UUID]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit starts spec in the background and returns its handle. The job
// context is derived from ctx, so canceling ctx cancels the job.
func (r *Runner) Submit(ctx context.Context, spec Spec) *Handle {
	jobCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:       uuid.New(),
		Name:     spec.Name,
		Resource: spec.Resource,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateWaiting,
		created:  time.Now(),
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		cancel()
		h.finish(nil, ErrShutdown)
		return h
	}
	r.pruneLocked(h.created)
	r.handles[h.ID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()
		result, err := r.run(jobCtx, h, spec)
		h.finish(result, err)
		r.log(h)
	}()
	return h
}

// Get returns the handle of a job submitted to this runner
func (r *Runner) Get(id uuid.UUID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Shutdown cancels every job and waits for them to finish or ctx to be done.
// Jobs submitted afterwards fail with ErrShutdown.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	for _, h := range r.handles {
		h.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run acquires the reservation, runs the body and releases the reservation
// on every exit path, including panics
func (r *Runner) run(ctx context.Context, h *Handle, spec Spec) (result any, err error) {
	token, err := r.reserver.Acquire(ctx, spec.Resource)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %s: %w", spec.Resource, err)
	}
	defer func() {
		if releaseErr := token.Release(); releaseErr != nil {
			slog.Error("Failed to release reservation",
				"job", h.ID.String(),
				"resource", spec.Resource,
				"error", releaseErr)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Job panicked",
				"job", h.ID.String(),
				"name", spec.Name,
				"panic", p,
				"stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()

	h.setState(StateRunning)
	slog.Debug("Job started", "job", h.ID.String(), "name", spec.Name, "resource", spec.Resource)
	return spec.Run(ctx)
}

func (r *Runner) log(h *Handle) {
	created, started, finished := h.Times()
	var waited, ran time.Duration
	if started.IsZero() {
		waited = finished.Sub(created)
	} else {
		waited = started.Sub(created)
		ran = finished.Sub(started)
	}
	attrs := []any{
		"job", h.ID.String(),
		"name", h.Name,
		"resource", h.Resource,
		"state", h.State(),
		"waited", waited.String(),
		"duration", ran.String(),
	}
	if err := h.Err(); err != nil {
		slog.Warn("Job finished with error", append(attrs, "kind", h.ErrorKind(), "error", err)...)
		return
	}
	slog.Info("Job finished", attrs...)
}

// pruneLocked forgets handles that finished more than retention ago. Callers hold mu.
func (r *Runner) pruneLocked(now time.Time) {
	for id, h := range r.handles {
		if !h.State().Finished() {
			continue
		}
		if _, _, finished := h.Times(); now.Sub(finished) > r.retention {
			delete(r.handles, id)
		}
	}
}
