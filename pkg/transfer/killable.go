package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAborted is returned by Killable.Put when the transfer was aborted.
var ErrAborted = errors.New("transfer aborted")

// Killable runs each transfer on its own worker goroutine so that a
// controller can abort it from outside. Aborting cancels the request
// context, which closes the connection and unblocks the worker. The file
// itself is only ever read.
type Killable struct {
	next Putter

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	aborted bool
}

// Ensure interface compliance.
var _ Putter = (*Killable)(nil)

// NewKillable wraps next.
func NewKillable(next Putter) *Killable {
	return &Killable{next: next}
}

// Put runs next.Put on a worker and blocks until it returns or is aborted
// and has unwound.
func (k *Killable) Put(ctx context.Context, url, path string) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})

	k.mu.Lock()
	if k.cancel != nil {
		k.mu.Unlock()

		return 0, errors.New("transfer already in flight")
	}

	k.cancel = cancel
	k.done = done
	k.aborted = false
	k.mu.Unlock()

	var (
		status int
		err    error
	)

	go func() {
		defer close(done)

		status, err = k.next.Put(ctx, url, path)
	}()

	<-done

	k.mu.Lock()
	aborted := k.aborted
	k.cancel = nil
	k.done = nil
	k.mu.Unlock()

	// A transfer that completed before the abort took effect stands.
	if aborted && err != nil {
		return status, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	return status, err
}

// InFlight reports whether a transfer is running.
func (k *Killable) InFlight() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.cancel != nil
}

// Abort interrupts the in-flight transfer and waits until its worker has
// unwound. It is a no-op returning false when nothing is in flight. It
// must not be called from inside the transfer itself.
func (k *Killable) Abort() bool {
	k.mu.Lock()
	if k.cancel == nil {
		k.mu.Unlock()

		return false
	}

	k.aborted = true
	k.cancel()
	done := k.done
	k.mu.Unlock()

	<-done

	return true
}
