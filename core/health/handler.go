package health

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/edgegate/edgegate/core/logger"
)

// Handler creates a health check handler that serves as both a liveness and
// readiness probe depending on the provided dependency functions.
//
// With no dependency functions it acts as a liveness probe and returns
// "ALIVE". With dependency functions it acts as a readiness probe: "READY"
// when every check passes, 503 otherwise.
func Handler(log *slog.Logger, fn ...CheckFunc) http.Handler {
	if log == nil {
		log = logger.NewDiscard()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(fn) == 0 {
			_, _ = w.Write([]byte("ALIVE"))
			return
		}

		for _, f := range fn {
			if err := f(r.Context()); err != nil {
				log.ErrorContext(r.Context(), "readiness check failed", logger.Error(err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}

		_, _ = w.Write([]byte("READY"))
	})
}

// AsCheck adapts a Probe into a CheckFunc for use in readiness handlers and
// the orchestrator's gating predicates.
func (p *Probe) AsCheck() CheckFunc {
	return func(ctx context.Context) error {
		return p.Check(ctx)
	}
}
