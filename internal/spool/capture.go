// Package spool ingests capture files from the device app.
//
// The spool:
// 1. Watches a spool directory for captured-event JSON files
// 2. Debounces rapid writes so half-written files settle before parsing
// 3. Converts captures to sync operations and hands them to the engine
// 4. Routes billing transitions to the tier governor
// 5. Archives processed files (rejected files are kept aside for inspection)
package spool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MP2EZ/being-sync/internal/engine"
	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/tier"
)

// Capture is one event file written by the device app into the spool
// directory. The body is plaintext on local disk inside the app sandbox;
// it is sealed before it enters the sync core.
type Capture struct {
	// ID is the device app's identifier for the capture. It becomes the
	// operation ID, so a file processed twice enqueues once.
	ID string `json:"id"`

	// Kind names the capture: check-in, assessment, crisis, billing,
	// profile.
	Kind string `json:"kind"`

	// EntityKey identifies the remote entity the capture mutates.
	EntityKey string `json:"entity_key"`

	// RoutingTag is a cleartext routing hint (e.g. "checkin/v2").
	RoutingTag string `json:"routing_tag,omitempty"`

	// Priority requests a dispatch class: low, normal, high, immediate.
	// Empty means normal. Crisis captures are immediate regardless.
	Priority string `json:"priority,omitempty"`

	// IsCrisis marks an assessment whose scoring crossed the crisis
	// threshold. Such captures sync on the crisis path.
	IsCrisis bool `json:"is_crisis,omitempty"`

	// BillingState carries a subscription transition for billing captures.
	BillingState string `json:"billing_state,omitempty"`

	// DeviceID names the device that recorded the event. Distinct ids feed
	// the governor's connected-device limit.
	DeviceID string `json:"device_id,omitempty"`

	// CapturedAt is when the device app recorded the event.
	CapturedAt time.Time `json:"captured_at"`

	// Body is the capture content, sealed before enqueue.
	Body json.RawMessage `json:"body,omitempty"`
}

// Validate checks the capture for fields the converter cannot run without.
func (c Capture) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("capture id is required")
	}
	if !c.domain().Valid() {
		return fmt.Errorf("capture %s: unknown kind %q", c.ID, c.Kind)
	}
	if c.Kind == "billing" && c.BillingState == "" && len(c.Body) == 0 {
		return fmt.Errorf("capture %s: billing capture carries neither state nor body", c.ID)
	}
	if c.Kind != "billing" && len(c.Body) == 0 {
		return fmt.Errorf("capture %s: body is required", c.ID)
	}
	return nil
}

// domain maps the capture kind to a sync domain. An assessment flagged
// as crisis syncs on the crisis path.
func (c Capture) domain() engine.Domain {
	if c.Kind == "assessment" && c.IsCrisis {
		return engine.DomainCrisis
	}
	return engine.Domain(c.Kind)
}

// priority maps the requested class. Unknown values fall back to normal.
func (c Capture) priority() engine.PriorityClass {
	switch c.Priority {
	case "low":
		return engine.PriorityLow
	case "high":
		return engine.PriorityHigh
	case "immediate":
		return engine.PriorityImmediate
	default:
		return engine.PriorityNormal
	}
}

// sensitivityFor selects the sealing level for a domain.
func sensitivityFor(d engine.Domain) seal.Sensitivity {
	switch d {
	case engine.DomainCrisis:
		return seal.SensitivityCrisis
	case engine.DomainCheckIn, engine.DomainAssessment:
		return seal.SensitivityClinical
	default:
		return seal.SensitivityStandard
	}
}

// toOperation seals the capture body and builds the sync operation.
func (c Capture) toOperation(sealer seal.Sealer) (*engine.Operation, error) {
	domain := c.domain()
	sealed, err := sealer.Seal(c.Body, sensitivityFor(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to seal capture %s: %w", c.ID, err)
	}

	op, err := engine.NewOperation(domain, c.priority(), sealed, c.RoutingTag, c.EntityKey)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", c.ID, err)
	}
	op.ID = c.ID
	if !c.CapturedAt.IsZero() {
		op.CreatedAt = c.CapturedAt
	}
	return op, nil
}

// billingState parses the billing transition, if any.
func (c Capture) billingState() (tier.BillingState, bool) {
	switch tier.BillingState(c.BillingState) {
	case tier.BillingActive, tier.BillingPastDue, tier.BillingCancel:
		return tier.BillingState(c.BillingState), true
	}
	return "", false
}
