package engine

import (
	"testing"
	"time"

	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/tier"
	"github.com/MP2EZ/being-sync/internal/transport"
)

func TestResolveConflictCrisisAlwaysPreserves(t *testing.T) {
	op := &Operation{ID: "c1", Domain: DomainCrisis, Payload: []byte(`{}`), CreatedAt: time.Now()}
	remote := []transport.RemoteRecord{{EntityKey: "k", UpdatedAt: time.Now().Add(time.Hour)}}

	for _, mode := range []tier.ConflictMode{tier.ConflictBasic, tier.ConflictAdvanced} {
		r, err := resolveConflict(op, remote, mode, seal.Plain{})
		if err != nil {
			t.Fatalf("resolve (%s): %v", mode, err)
		}
		if r.outcome != conflictPreserveBoth || !r.preserve || r.force {
			t.Errorf("mode %s: got %+v, want preserve-both", mode, r)
		}
	}
}

func TestResolveConflictWithoutRemoteRecordsForcesLocal(t *testing.T) {
	op := &Operation{ID: "o1", Domain: DomainCheckIn, Payload: []byte(`{}`), CreatedAt: time.Now()}
	r, err := resolveConflict(op, nil, tier.ConflictBasic, seal.Plain{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.outcome != conflictLocalWins || !r.force {
		t.Errorf("got %+v, want local win with force", r)
	}
}

func TestResolveConflictAdvancedFallsBackOnOpaquePayload(t *testing.T) {
	// A payload that is not a JSON object cannot be field-merged; the
	// resolver falls back to last-write-wins.
	op := &Operation{ID: "o2", Domain: DomainCheckIn, Payload: []byte("not json"), CreatedAt: time.Now()}
	remote := []transport.RemoteRecord{{
		EntityKey: "k",
		UpdatedAt: time.Now().Add(-time.Hour),
		Payload:   []byte(`{"ok":true}`),
	}}
	r, err := resolveConflict(op, remote, tier.ConflictAdvanced, seal.Plain{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.outcome != conflictLocalWins || !r.force {
		t.Errorf("got %+v, want last-write-wins fallback with local newer", r)
	}
}

func TestSensitivityForDomain(t *testing.T) {
	cases := []struct {
		domain Domain
		want   seal.Sensitivity
	}{
		{DomainCrisis, seal.SensitivityCrisis},
		{DomainCheckIn, seal.SensitivityClinical},
		{DomainAssessment, seal.SensitivityClinical},
		{DomainBilling, seal.SensitivityStandard},
		{DomainProfile, seal.SensitivityStandard},
	}
	for _, tc := range cases {
		if got := sensitivityFor(tc.domain); got != tc.want {
			t.Errorf("sensitivityFor(%s) = %s, want %s", tc.domain, got, tc.want)
		}
	}
}
