// Package async provides a minimal future abstraction for supervising
// one-shot background work.
//
// Exec runs a function in its own goroutine and hands back a Future that
// can be awaited, polled, or awaited with a timeout:
//
//	future := async.Exec(ctx, agent.Bootstrap)
//	// ... start other components ...
//	if err := future.Await(); err != nil {
//		log.Error("bootstrap failed", logger.Error(err))
//	}
package async
