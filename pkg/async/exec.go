package async

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when AwaitWithTimeout exceeds its duration.
var ErrTimeout = errors.New("async: await timed out")

// Future represents the result of an asynchronous computation that only
// returns an error.
type Future struct {
	err  error
	done chan struct{}
}

// Await blocks until the computation completes and returns its error.
func (f *Future) Await() error {
	<-f.done
	return f.err
}

// AwaitWithTimeout waits for completion up to the given duration.
// Returns ErrTimeout if the computation is still running when it elapses.
func (f *Future) AwaitWithTimeout(timeout time.Duration) error {
	select {
	case <-f.done:
		return f.err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// IsComplete reports whether the computation has finished without blocking.
func (f *Future) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Exec runs fn in its own goroutine and returns a Future for its result.
// A pre-canceled context short-circuits without invoking fn.
func Exec(ctx context.Context, fn func(context.Context) error) *Future {
	f := &Future{done: make(chan struct{})}

	go func() {
		defer close(f.done)

		select {
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		default:
		}

		f.err = fn(ctx)
	}()

	return f
}

// AwaitAll waits for every future and returns the first error encountered.
func AwaitAll(futures ...*Future) error {
	for _, future := range futures {
		if err := future.Await(); err != nil {
			return err
		}
	}
	return nil
}
