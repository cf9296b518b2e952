package tier

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultCatalogValidates(t *testing.T) {
	if err := DefaultCatalog().Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
}

func TestDefaultCatalogEscalatesAcrossTiers(t *testing.T) {
	c := DefaultCatalog()
	trial, basic, premium := c[TierTrial], c[TierBasic], c[TierPremium]

	if !(trial.SyncInterval > basic.SyncInterval && basic.SyncInterval > premium.SyncInterval) {
		t.Error("sync interval should shrink as tiers rise")
	}
	if !(trial.MaxConcurrentOps < basic.MaxConcurrentOps && basic.MaxConcurrentOps < premium.MaxConcurrentOps) {
		t.Error("concurrency should grow as tiers rise")
	}
	if !(trial.Limits.DailyOps < basic.Limits.DailyOps && basic.Limits.DailyOps < premium.Limits.DailyOps) {
		t.Error("daily ops should grow as tiers rise")
	}
	if trial.Features.ConflictMode != ConflictBasic || premium.Features.ConflictMode != ConflictAdvanced {
		t.Error("conflict mode should escalate from basic to advanced")
	}
}

func TestEveryTierGuaranteesCrisis(t *testing.T) {
	for tr, cfg := range DefaultCatalog() {
		if !cfg.Guarantees.CrisisGuaranteed {
			t.Errorf("tier %s does not guarantee crisis handling", tr)
		}
	}
}

func TestValidateRejectsUnguaranteedCrisis(t *testing.T) {
	cfg := DefaultCatalog()[TierBasic]
	cfg.Guarantees.CrisisGuaranteed = false
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "crisis_guaranteed") {
		t.Fatalf("validate = %v, want crisis_guaranteed error", err)
	}
}

func TestValidateRejectsZeroRetryCeiling(t *testing.T) {
	cfg := DefaultCatalog()[TierTrial]
	cfg.Limits.MaxRetryAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("validate accepted a zero retry ceiling")
	}
}

func TestLoadCatalogOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	override := `
premium:
  sync_interval: 2s
  max_concurrent_ops: 16
  priority_level: 3
  resources:
    cpu_percent: 50
    memory_bytes: 536870912
    network_bytes_per_sec: 1048576
    storage_bytes: 1073741824
  features:
    realtime_sync: true
    cross_device_sync: true
    conflict_mode: advanced
    background_sync: true
  limits:
    daily_ops: 50000
    device_limit: 10
    session_limit: 20
    max_payload_bytes: 2097152
    daily_bytes: 1073741824
    max_retry_attempts: 9
  guarantees:
    max_sync_latency: 500ms
    uptime_target: 0.999
    crisis_guaranteed: true
`
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	premium := catalog[TierPremium]
	if premium.SyncInterval != 2*time.Second {
		t.Errorf("sync interval = %v, want 2s", premium.SyncInterval)
	}
	if premium.Limits.MaxRetryAttempts != 9 {
		t.Errorf("retry ceiling = %d, want 9", premium.Limits.MaxRetryAttempts)
	}
	// Tiers absent from the file keep their defaults.
	if catalog[TierTrial].SyncInterval != 60*time.Second {
		t.Errorf("trial interval = %v, want untouched default", catalog[TierTrial].SyncInterval)
	}
}

func TestLoadCatalogRejectsInvalidOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	bad := `
trial:
  sync_interval: 0s
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Fatal("load accepted a zero sync interval")
	}
}
