package server

import "errors"

var (
	// ErrNilHandler is returned when Start is called without a handler.
	ErrNilHandler = errors.New("server: nil handler")
	// ErrServerStartFailed wraps listener setup failures.
	ErrServerStartFailed = errors.New("server: start failed")
	// ErrServerShutdownFailed wraps graceful shutdown failures.
	ErrServerShutdownFailed = errors.New("server: shutdown failed")
	// ErrNoCertificate is returned by the TLS handshake callback before
	// a certificate has been installed.
	ErrNoCertificate = errors.New("server: no certificate available")
	// ErrUnknownServerName is returned when a TLS client requests a
	// name the edge does not serve.
	ErrUnknownServerName = errors.New("server: unknown server name")
	// ErrListenAddrRequired is returned when an edge listener address
	// is missing from the configuration.
	ErrListenAddrRequired = errors.New("server: listen address required")
	// ErrDomainRequired is returned when the edge is created without a
	// domain to serve.
	ErrDomainRequired = errors.New("server: domain required")
	// ErrEdgeDepsRequired is returned when the edge is created without
	// its certificate store, challenge store, or mode state.
	ErrEdgeDepsRequired = errors.New("server: missing edge dependencies")
)
