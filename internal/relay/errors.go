package relay

import "errors"

// ErrStreamNotFound is returned when an operation references an unknown
// stream id. Callers should re-resolve via GetOrCreateStream.
var ErrStreamNotFound = errors.New("stream not found")

// ErrUpstreamStart is returned when the upstream fetch process fails to
// start. No stream entry is left behind.
var ErrUpstreamStart = errors.New("upstream fetch failed to start")

// ErrManagerClosed is returned when the manager is used outside its
// Start/Stop lifecycle.
var ErrManagerClosed = errors.New("stream manager closed")

// ErrTooManyStreams is returned when creating a stream would exceed the
// configured maximum number of concurrent upstream fetches.
var ErrTooManyStreams = errors.New("maximum concurrent streams reached")
