// Package transport defines the remote transport boundary for the sync
// core and provides the concrete adapters.
//
// The engine only sees the Transport interface: send a sealed envelope,
// receive an ok/conflict/error ack. The websocket adapter talks to a relay
// endpoint; the memory adapter is a scriptable in-process fake used by
// tests and the loadtest harness.
package transport

import (
	"context"
	"errors"
	"time"
)

// Status is the remote store's verdict on a sent envelope.
type Status string

const (
	// StatusOK means the remote store applied the operation.
	StatusOK Status = "ok"
	// StatusConflict means the remote store holds a newer version of the
	// entity; the result carries the remote records for resolution.
	StatusConflict Status = "conflict"
	// StatusError means the remote store rejected the operation.
	StatusError Status = "error"
)

// ErrUnreachable is returned by Send when the network is down. The engine
// responds by moving to offline accumulation.
var ErrUnreachable = errors.New("transport: remote unreachable")

// Envelope is one operation on the wire. The payload is a sealed blob; only
// routing metadata travels in cleartext.
type Envelope struct {
	ID         string    `json:"id"`
	Domain     string    `json:"domain"`
	RoutingTag string    `json:"routing_tag,omitempty"`
	EntityKey  string    `json:"entity_key,omitempty"`
	Attempt    int       `json:"attempt"`
	CreatedAt  time.Time `json:"created_at"`
	Compressed bool      `json:"compressed,omitempty"`

	// Force asks the remote store to apply the payload even over a newer
	// version; set after local conflict resolution decides the local side
	// wins.
	Force bool `json:"force,omitempty"`

	// Preserve asks the remote store to keep its existing record alongside
	// this one instead of overwriting. Always set for crisis-domain
	// conflict resolution: crisis records are never merged away.
	Preserve bool `json:"preserve,omitempty"`

	Payload []byte `json:"payload"`
}

// RemoteRecord is the remote store's version of an entity, returned with
// conflict results so the engine can resolve.
type RemoteRecord struct {
	EntityKey string    `json:"entity_key"`
	UpdatedAt time.Time `json:"updated_at"`
	Payload   []byte    `json:"payload"`
}

// Result is the outcome of a Send.
type Result struct {
	Status Status         `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Remote []RemoteRecord `json:"remote,omitempty"`
}

// Transport sends sealed operations to the remote store.
//
// Send is the only blocking call in the sync core; every dispatch passes a
// context carrying the tier-derived timeout. Implementations must return
// ErrUnreachable (possibly wrapped) when the network is down so the engine
// can switch to offline accumulation.
type Transport interface {
	// Send delivers one envelope and returns the remote verdict.
	Send(ctx context.Context, env Envelope) (Result, error)

	// Reachable reports the transport's current connectivity belief. The
	// engine polls this to decide when to drain the offline queue.
	Reachable() bool
}
