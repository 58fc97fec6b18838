package server

import "time"

// Default timeouts and limits applied by New. They lean conservative:
// the edge fronts untrusted traffic, so slow-client protection matters
// more than long-poll friendliness.
const (
	DefaultReadTimeout       = 10 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)
