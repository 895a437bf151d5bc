package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/internal/reservation"
)

const waitTimeout = 5 * time.Second

func waitFor(t *testing.T, h *Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	result, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job %s did not finish", h.Name)
	return result, err
}

func TestRunner_Completed(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal())

	h := r.Submit(context.Background(), Spec{
		Name:     "sync nuget-org",
		Resource: "nuget",
		Run: func(_ context.Context) (any, error) {
			return 42, nil
		},
	})
	result, err := waitFor(t, h)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, KindNone, h.ErrorKind())

	got, ok := r.Get(h.ID)
	require.True(t, ok)
	assert.Same(t, h, got)
}

func TestRunner_Failed(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal())

	h := r.Submit(context.Background(), Spec{
		Name:     "publish",
		Resource: "nuget",
		Run: func(_ context.Context) (any, error) {
			return nil, errors.New("boom")
		},
	})
	_, err := waitFor(t, h)
	require.Error(t, err)
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, KindInternal, h.ErrorKind())
	assert.EqualError(t, h.Err(), "boom")
}

func TestRunner_PanicReleasesReservation(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal())

	h := r.Submit(context.Background(), Spec{
		Name:     "panics",
		Resource: "nuget",
		Run: func(_ context.Context) (any, error) {
			panic("unexpected")
		},
	})
	_, err := waitFor(t, h)
	require.ErrorIs(t, err, ErrPanic)
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, KindInternal, h.ErrorKind())

	next := r.Submit(context.Background(), Spec{
		Name:     "after panic",
		Resource: "nuget",
		Run:      func(_ context.Context) (any, error) { return "ok", nil },
	})
	result, err := waitFor(t, next)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRunner_OneJobPerResource(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal())

	started := make(chan string, 3)
	release := make(chan struct{})
	body := func(name string) func(context.Context) (any, error) {
		return func(_ context.Context) (any, error) {
			started <- name
			<-release
			return nil, nil
		}
	}

	first := r.Submit(context.Background(), Spec{Name: "first", Resource: "nuget", Run: body("first")})
	require.Equal(t, "first", <-started)

	second := r.Submit(context.Background(), Spec{Name: "second", Resource: "nuget", Run: body("second")})
	other := r.Submit(context.Background(), Spec{Name: "other", Resource: "other", Run: body("other")})

	// A different resource is not blocked
	select {
	case name := <-started:
		require.Equal(t, "other", name)
	case <-time.After(waitTimeout):
		t.Fatal("job on another resource did not start")
	}

	// The same resource is
	select {
	case name := <-started:
		t.Fatalf("%s started while first was running", name)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateWaiting, second.State())
	assert.Equal(t, StateRunning, first.State())

	close(release)
	for _, h := range []*Handle{first, second, other} {
		_, err := waitFor(t, h)
		require.NoError(t, err)
	}
	assert.Equal(t, "second", <-started)
}

func TestRunner_CancelWaitingJob(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal())

	release := make(chan struct{})
	running := make(chan struct{})
	blocker := r.Submit(context.Background(), Spec{
		Name:     "blocker",
		Resource: "nuget",
		Run: func(_ context.Context) (any, error) {
			close(running)
			<-release
			return nil, nil
		},
	})
	<-running

	ran := false
	waiting := r.Submit(context.Background(), Spec{
		Name:     "waiting",
		Resource: "nuget",
		Run: func(_ context.Context) (any, error) {
			ran = true
			return nil, nil
		},
	})
	waiting.Cancel()
	_, err := waitFor(t, waiting)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCanceled, waiting.State())
	assert.Equal(t, KindCanceled, waiting.ErrorKind())
	assert.False(t, ran)

	close(release)
	_, err = waitFor(t, blocker)
	require.NoError(t, err)
}

func TestRunner_CancelRunningJob(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal())

	running := make(chan struct{})
	h := r.Submit(context.Background(), Spec{
		Name:     "long",
		Resource: "nuget",
		Run: func(ctx context.Context) (any, error) {
			close(running)
			<-ctx.Done()
			return nil, fmt.Errorf("sync interrupted: %w", ctx.Err())
		},
	})
	<-running
	h.Cancel()

	_, err := waitFor(t, h)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCanceled, h.State())
}

func TestRunner_Shutdown(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal())

	running := make(chan struct{})
	h := r.Submit(context.Background(), Spec{
		Name:     "long",
		Resource: "nuget",
		Run: func(ctx context.Context) (any, error) {
			close(running)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, StateCanceled, h.State())

	late := r.Submit(context.Background(), Spec{
		Name:     "late",
		Resource: "nuget",
		Run:      func(_ context.Context) (any, error) { return nil, nil },
	})
	_, err := waitFor(t, late)
	require.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, StateFailed, late.State())
}

func TestRunner_Retention(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal(), WithRetention(time.Millisecond))

	noop := Spec{Name: "noop", Resource: "nuget", Run: func(_ context.Context) (any, error) { return nil, nil }}
	first := r.Submit(context.Background(), noop)
	_, err := waitFor(t, first)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	second := r.Submit(context.Background(), noop)
	_, err = waitFor(t, second)
	require.NoError(t, err)

	_, ok := r.Get(first.ID)
	assert.False(t, ok)
	_, ok = r.Get(second.ID)
	assert.True(t, ok)
}

func TestHandle_WaitContext(t *testing.T) {
	t.Parallel()
	r := NewRunner(reservation.NewLocal())

	release := make(chan struct{})
	h := r.Submit(context.Background(), Spec{
		Name:     "blocked",
		Resource: "nuget",
		Run: func(_ context.Context) (any, error) {
			<-release
			return nil, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.State().Finished())

	close(release)
	_, err = waitFor(t, h)
	require.NoError(t, err)
}
