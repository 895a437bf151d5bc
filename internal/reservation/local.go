package reservation

import (
	"context"
	"sync"
)

// Local grants reservations within one process
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

var _ Reserver = (*Local)(nil)

// NewLocal creates an in-process reserver
func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(resource string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[resource]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[resource] = ch
	}
	return ch
}

// Acquire implements Reserver
func (l *Local) Acquire(ctx context.Context, resource string) (Token, error) {
	ch := l.slot(resource)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return newReleaseOnce(func() error {
		<-ch
		return nil
	}), nil
}
