package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/tier"
	"github.com/MP2EZ/being-sync/internal/transport"
)

// conflictOutcome is the resolver's verdict on a remote version conflict.
type conflictOutcome int

const (
	// conflictRemoteWins: the remote version stands; the operation ends in
	// the conflicted state and is surfaced, not retried.
	conflictRemoteWins conflictOutcome = iota
	// conflictLocalWins: resend the local payload with force set.
	conflictLocalWins
	// conflictMerged: resend a field-merged payload with force set.
	conflictMerged
	// conflictPreserveBoth: resend with preserve set so the remote keeps
	// its record alongside the new one. Always the verdict for crisis data.
	conflictPreserveBoth
)

type resolution struct {
	outcome  conflictOutcome
	payload  []byte // replacement sealed payload when outcome is conflictMerged
	force    bool
	preserve bool
}

// sensitivityFor maps a domain to its encryption sensitivity level.
func sensitivityFor(d Domain) seal.Sensitivity {
	switch d {
	case DomainCrisis:
		return seal.SensitivityCrisis
	case DomainCheckIn, DomainAssessment:
		return seal.SensitivityClinical
	default:
		return seal.SensitivityStandard
	}
}

// newestRemote picks the most recently updated remote record.
func newestRemote(records []transport.RemoteRecord) (transport.RemoteRecord, bool) {
	if len(records) == 0 {
		return transport.RemoteRecord{}, false
	}
	newest := records[0]
	for _, r := range records[1:] {
		if r.UpdatedAt.After(newest.UpdatedAt) {
			newest = r
		}
	}
	return newest, true
}

// resolveConflict decides what to do with an operation the remote store
// rejected as a version conflict. Crisis data is never merged or
// overwritten: both sides are preserved. Otherwise the tier's conflict
// mode applies: basic is last-write-wins on timestamps, advanced merges
// non-overlapping fields and takes the newer side per conflicting field.
func resolveConflict(op *Operation, remote []transport.RemoteRecord, mode tier.ConflictMode, sealer seal.Sealer) (resolution, error) {
	if op.Domain == DomainCrisis {
		return resolution{outcome: conflictPreserveBoth, preserve: true}, nil
	}

	rec, ok := newestRemote(remote)
	if !ok {
		// Conflict with no remote record to compare against: treat the
		// local write as authoritative.
		return resolution{outcome: conflictLocalWins, force: true}, nil
	}

	switch mode {
	case tier.ConflictAdvanced:
		merged, err := mergePayloads(op, rec, sealer)
		if err != nil {
			// Fall back to last-write-wins when the payloads cannot be
			// merged (opaque or non-object bodies).
			return lastWriteWins(op, rec), nil
		}
		return resolution{outcome: conflictMerged, payload: merged, force: true}, nil
	default:
		return lastWriteWins(op, rec), nil
	}
}

func lastWriteWins(op *Operation, rec transport.RemoteRecord) resolution {
	if rec.UpdatedAt.After(op.CreatedAt) {
		return resolution{outcome: conflictRemoteWins}
	}
	return resolution{outcome: conflictLocalWins, force: true}
}

// mergePayloads opens both sealed payloads, merges them field-by-field
// with the newer side winning contested fields, and reseals the result.
func mergePayloads(op *Operation, rec transport.RemoteRecord, sealer seal.Sealer) ([]byte, error) {
	level := sensitivityFor(op.Domain)

	local, err := openObject(sealer, op.Payload, level)
	if err != nil {
		return nil, fmt.Errorf("open local payload: %w", err)
	}
	remote, err := openObject(sealer, rec.Payload, level)
	if err != nil {
		return nil, fmt.Errorf("open remote payload: %w", err)
	}

	older, newer := local, remote
	if op.CreatedAt.After(rec.UpdatedAt) {
		older, newer = remote, local
	}
	merged := make(map[string]any, len(older)+len(newer))
	for k, v := range older {
		merged[k] = v
	}
	for k, v := range newer {
		merged[k] = v
	}
	merged["merged_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	cleartext, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	return sealer.Seal(cleartext, level)
}

func openObject(sealer seal.Sealer, sealed []byte, level seal.Sensitivity) (map[string]any, error) {
	cleartext, err := sealer.Open(sealed, level)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(cleartext, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}
