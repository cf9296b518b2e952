// Package engine provides the priority-aware sync orchestrator.
//
// The engine:
// 1. Accepts sync operations from domain collaborators (check-ins,
//    assessments, crisis signals, billing, profile changes)
// 2. Queues them in priority lanes and drains the queue on a tier-paced tick
// 3. Dispatches to the remote transport with retry, backoff, and conflict
//    resolution
// 4. Records a latency sample for every dispatch outcome
//
// Crisis-domain operations run on a dedicated immediate lane with a reserved
// execution slot: they are never gated by the concurrency cap, the usage
// limits, the circuit breaker, or retry exhaustion.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Domain identifies the kind of locally-captured data an operation carries.
type Domain string

const (
	DomainCheckIn    Domain = "check-in"
	DomainAssessment Domain = "assessment"
	DomainCrisis     Domain = "crisis"
	DomainBilling    Domain = "billing"
	DomainProfile    Domain = "profile"
)

// Valid reports whether d is a recognized domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainCheckIn, DomainAssessment, DomainCrisis, DomainBilling, DomainProfile:
		return true
	}
	return false
}

// PriorityClass orders operations for dispatch. Higher values dispatch
// first. Within a class, operations are FIFO by CreatedAt.
type PriorityClass int

const (
	PriorityLow PriorityClass = iota
	PriorityNormal
	PriorityHigh
	PriorityImmediate
)

// String returns a human-readable representation of the priority class.
func (p PriorityClass) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// State is an operation's position in its lifecycle.
type State string

const (
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateConflicted State = "conflicted"
)

// Operation is the unit of sync work. Payloads are sealed blobs; only the
// routing tag and entity key travel in cleartext.
type Operation struct {
	// ID uniquely identifies the operation. Used for deduplication:
	// re-enqueueing or re-dispatching a succeeded ID is a no-op.
	ID string

	// Domain is the kind of data being synced.
	Domain Domain

	// Priority orders dispatch. Crisis operations are always immediate.
	Priority PriorityClass

	// Payload is the sealed (encrypted) body of the operation.
	Payload []byte

	// RoutingTag is a cleartext hint for the remote side (e.g. "checkin/v2").
	RoutingTag string

	// EntityKey identifies the remote entity the operation mutates.
	// Conflict resolution groups by this key.
	EntityKey string

	// State tracks the lifecycle: queued -> dispatched ->
	// {succeeded | failed | conflicted}.
	State State

	// Attempt counts dispatch attempts, starting at 0.
	Attempt int

	// CreatedAt is when the operation was captured locally.
	CreatedAt time.Time

	// LastAttemptAt is the start of the most recent dispatch attempt.
	LastAttemptAt time.Time

	// notBefore gates re-dispatch after a backoff. Zero means ready now.
	notBefore time.Time

	// promoted counts fairness-valve promotions already applied, so a
	// starved operation climbs one class per selection scan.
	promoted int
}

// NewOperation creates a queued operation with a fresh ID. Crisis-domain
// operations are always created at immediate priority regardless of the
// requested class.
func NewOperation(domain Domain, priority PriorityClass, payload []byte, routingTag, entityKey string) (*Operation, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("invalid domain %q", domain)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	if domain == DomainCrisis {
		priority = PriorityImmediate
	}
	return &Operation{
		ID:         uuid.NewString(),
		Domain:     domain,
		Priority:   priority,
		Payload:    payload,
		RoutingTag: routingTag,
		EntityKey:  entityKey,
		State:      StateQueued,
		CreatedAt:  time.Now(),
	}, nil
}

// Reclassify changes the operation's priority class. Crisis operations can
// be raised but never lowered below immediate; downward reclassification of
// a crisis operation is a no-op.
func (op *Operation) Reclassify(p PriorityClass) {
	if op.Domain == DomainCrisis && p < PriorityImmediate {
		return
	}
	op.Priority = p
}

// EffectivePriority is the dispatch priority including fairness promotions.
// It never exceeds PriorityImmediate.
func (op *Operation) EffectivePriority() PriorityClass {
	p := op.Priority + PriorityClass(op.promoted)
	if p > PriorityImmediate {
		p = PriorityImmediate
	}
	return p
}

// ReadyAt reports whether the operation's backoff window has elapsed.
func (op *Operation) ReadyAt(now time.Time) bool {
	return !now.Before(op.notBefore)
}
