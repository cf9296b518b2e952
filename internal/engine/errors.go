package engine

import "errors"

// Sentinel errors for the sync error taxonomy. Callers match with errors.Is.
var (
	// ErrPayloadTooLarge is returned synchronously by Enqueue when a payload
	// exceeds the active tier's max payload size. Crisis payloads are exempt.
	ErrPayloadTooLarge = errors.New("payload exceeds tier limit")

	// ErrTransportUnreachable indicates the remote transport reported the
	// network as unreachable. Recoverable: the operation moves to the
	// durable offline queue.
	ErrTransportUnreachable = errors.New("transport unreachable")

	// ErrTransportConflict indicates the remote store rejected the write
	// with a version conflict. Recoverable: conflict resolution applies.
	ErrTransportConflict = errors.New("transport version conflict")

	// ErrRetryExhausted indicates a non-crisis operation used up its
	// attempts and moved to the dead-letter log. Crisis operations never
	// exhaust.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrDuplicate is returned by Enqueue when the operation ID was already
	// accepted. The previous enqueue stands; this one is a no-op.
	ErrDuplicate = errors.New("operation already enqueued")

	// ErrNotRunning is returned when the engine has not been started or has
	// been stopped.
	ErrNotRunning = errors.New("engine not running")
)
