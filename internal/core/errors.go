// Package core defines sentinel errors shared by every protocol layer.
package core

import "errors"

// Transport errors. These propagate unchanged through every sub-protocol.
var (
	// ErrConnectionClosed means the peer closed the stream cleanly at a frame
	// boundary (zero bytes were available). Often a normal end of stream.
	ErrConnectionClosed = errors.New("ostrace: connection closed")

	// ErrTruncatedStream means the peer closed the stream in the middle of a
	// frame. Always fatal.
	ErrTruncatedStream = errors.New("ostrace: truncated stream")

	// ErrFrameTooLarge is returned before allocating a frame whose declared
	// length exceeds the configured limit.
	ErrFrameTooLarge = errors.New("ostrace: frame too large")

	// ErrWouldBlock is returned by reads in non-blocking mode when no data is
	// available.
	ErrWouldBlock = errors.New("ostrace: operation would block")
)

// Protocol errors.
var (
	// ErrInvalidPayload covers unrecognised plist prefixes, malformed records
	// and magic/status mismatches.
	ErrInvalidPayload = errors.New("ostrace: invalid payload")

	// ErrUnmappedEnumValue is returned for a severity byte outside the known set.
	ErrUnmappedEnumValue = errors.New("ostrace: unmapped enum value")

	// ErrSecureChannel wraps every TLS upgrade failure. The connection is
	// unusable afterwards.
	ErrSecureChannel = errors.New("ostrace: secure channel failure")
)

// Locator and configuration errors.
var (
	ErrServiceUnavailable = errors.New("ostrace: service unavailable")
	ErrDeviceNotFound     = errors.New("ostrace: device not found")
	ErrConfigInvalid      = errors.New("ostrace: invalid configuration")
)
