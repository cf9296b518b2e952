package tier

import (
	"io"
	"log"
	"testing"
	"time"
)

func newTestGovernor(t *testing.T, initial Tier) *Governor {
	t.Helper()
	g, err := NewGovernor(GovernorConfig{
		InitialTier: initial,
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}
	return g
}

func TestResolveTierMapsSubscriptionToConfig(t *testing.T) {
	g := newTestGovernor(t, TierTrial)

	if cfg := g.ResolveTier(SubscriptionState{Tier: TierPremium, Billing: BillingActive}); cfg.Tier != TierPremium {
		t.Errorf("resolved %s, want premium", cfg.Tier)
	}
	// Unknown tiers resolve to trial, never to an error state.
	if cfg := g.ResolveTier(SubscriptionState{Tier: "enterprise", Billing: BillingActive}); cfg.Tier != TierTrial {
		t.Errorf("resolved %s for unknown tier, want trial", cfg.Tier)
	}
}

func TestSwitchTierSwapsConfigAndNotifies(t *testing.T) {
	g := newTestGovernor(t, TierBasic)

	var gotCfg Config
	var gotReason string
	g.OnChange(func(cfg Config, reason string) {
		gotCfg = cfg
		gotReason = reason
	})

	if err := g.SwitchTier(TierPremium, "upgrade purchased"); err != nil {
		t.Fatalf("switch tier: %v", err)
	}
	if g.CurrentTier() != TierPremium {
		t.Errorf("current tier = %s, want premium", g.CurrentTier())
	}
	if gotCfg.Tier != TierPremium || gotReason != "upgrade purchased" {
		t.Errorf("callback got (%s, %q)", gotCfg.Tier, gotReason)
	}
	// A switch regenerates the baseline strategy but must not apply it:
	// the fresh config keeps the catalog interval.
	if got := g.ActiveConfig().SyncInterval; got != DefaultCatalog()[TierPremium].SyncInterval {
		t.Errorf("interval = %v after switch, want catalog baseline", got)
	}
	if s := g.LastStrategy(); s.Tier != TierPremium || s.Pressure != 0 {
		t.Errorf("last strategy = %+v, want baseline premium plan", s)
	}
}

func TestGracePeriodLifecycle(t *testing.T) {
	g := newTestGovernor(t, TierPremium)
	now := time.Now()

	// Payment fails: borrowed basic-equivalent config, crisis features
	// maintained, cross-device and background sync disabled.
	if err := g.HandleBillingEvent(BillingPastDue, now); err != nil {
		t.Fatalf("past_due event: %v", err)
	}
	grace := g.Grace()
	if !grace.Active() {
		t.Fatal("grace period not active after past_due")
	}
	if want := now.Add(DefaultGraceWindow); !grace.ExpiresAt.Equal(want) {
		t.Errorf("grace expires %v, want %v", grace.ExpiresAt, want)
	}
	if grace.AppliedTier != TierBasic {
		t.Errorf("applied tier = %s, want basic", grace.AppliedTier)
	}
	active := g.ActiveConfig()
	if active.Features.CrossDeviceSync || active.Features.BackgroundSync {
		t.Error("cross-device/background sync still enabled in grace")
	}
	if !active.Guarantees.CrisisGuaranteed {
		t.Error("crisis guarantee dropped in grace")
	}

	// A second past_due does not restart the window.
	if err := g.HandleBillingEvent(BillingPastDue, now.Add(time.Hour)); err != nil {
		t.Fatalf("repeat past_due: %v", err)
	}
	if again := g.Grace(); !again.ExpiresAt.Equal(grace.ExpiresAt) {
		t.Errorf("grace window restarted: %v -> %v", grace.ExpiresAt, again.ExpiresAt)
	}

	// Payment resolves: the entitled tier is restored.
	if err := g.HandleBillingEvent(BillingActive, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("active event: %v", err)
	}
	if g.Grace().State != GraceNormal {
		t.Errorf("grace state = %s after payment, want normal", g.Grace().State)
	}
	if g.ActiveConfig().Tier != TierPremium {
		t.Errorf("active tier = %s after payment, want premium restored", g.ActiveConfig().Tier)
	}
}

func TestGraceExpiryForcesTrialDowngrade(t *testing.T) {
	g := newTestGovernor(t, TierPremium)
	now := time.Now()

	if err := g.HandleBillingEvent(BillingPastDue, now); err != nil {
		t.Fatalf("past_due event: %v", err)
	}

	// One second before expiry nothing happens.
	g.Tick(now.Add(DefaultGraceWindow - time.Second))
	if g.CurrentTier() != TierPremium {
		t.Fatalf("tier = %s before expiry, want premium", g.CurrentTier())
	}

	g.Tick(now.Add(DefaultGraceWindow))
	if g.Grace().State != GraceExpired {
		t.Errorf("grace state = %s, want expired", g.Grace().State)
	}
	if g.CurrentTier() != TierTrial {
		t.Errorf("tier = %s after expiry, want forced trial", g.CurrentTier())
	}
}

func TestCancellationDowngradesImmediately(t *testing.T) {
	g := newTestGovernor(t, TierBasic)
	if err := g.HandleBillingEvent(BillingCancel, time.Now()); err != nil {
		t.Fatalf("cancel event: %v", err)
	}
	if g.CurrentTier() != TierTrial {
		t.Errorf("tier = %s after cancel, want trial", g.CurrentTier())
	}
}

func TestValidateLimitsExcludesCrisisOps(t *testing.T) {
	g := newTestGovernor(t, TierTrial)
	now := time.Now()

	// 100 gated ops is exactly the trial cap; 20 crisis ops on top must
	// not tip it over.
	for i := 0; i < 100; i++ {
		g.Meter().TrackOp(now, false)
	}
	for i := 0; i < 20; i++ {
		g.Meter().TrackOp(now, true)
	}
	if v := g.ValidateLimits(now); len(v) != 0 {
		t.Fatalf("violations = %+v, crisis ops must not count", v)
	}

	g.Meter().TrackOp(now, false) // 101st gated op
	v := g.ValidateLimits(now)
	if len(v) != 1 || v[0].Limit != "dailySyncOperations" {
		t.Fatalf("violations = %+v, want dailySyncOperations", v)
	}
	if v[0].Actual != 101 || v[0].Allowed != 100 {
		t.Errorf("violation = %d/%d, want 101/100", v[0].Actual, v[0].Allowed)
	}
}

func TestEnforceLimitsEscalatesOneStepPerCall(t *testing.T) {
	g := newTestGovernor(t, TierBasic)
	now := time.Now()
	for i := 0; i < 1001; i++ {
		g.Meter().TrackOp(now, false)
	}
	baseline := g.ActiveConfig()

	// Step 1: widen the interval by half.
	applied := g.EnforceLimits(now)
	if len(applied) != 1 || applied[0] != "widen_sync_interval" {
		t.Fatalf("step 1 = %v", applied)
	}
	if got, want := g.ActiveConfig().SyncInterval, baseline.SyncInterval*3/2; got != want {
		t.Errorf("interval = %v, want %v", got, want)
	}

	// Step 2: halve concurrency.
	applied = g.EnforceLimits(now)
	if len(applied) != 1 || applied[0] != "reduce_concurrency" {
		t.Fatalf("step 2 = %v", applied)
	}
	if got, want := g.ActiveConfig().MaxConcurrentOps, (baseline.MaxConcurrentOps+1)/2; got != want {
		t.Errorf("concurrency = %d, want %d", got, want)
	}

	// Step 3: force compression.
	applied = g.EnforceLimits(now)
	if len(applied) != 1 || applied[0] != "enable_compression" {
		t.Fatalf("step 3 = %v", applied)
	}
	if !g.ActiveConfig().CompressPayloads {
		t.Error("compression not forced")
	}

	// The ladder is exhausted; further calls are no-ops.
	if applied = g.EnforceLimits(now); len(applied) != 0 {
		t.Errorf("step 4 = %v, want none", applied)
	}
	if got, want := g.ActiveConfig().SyncInterval, baseline.SyncInterval*3/2; got != want {
		t.Errorf("interval = %v after repeat calls, want stable %v", got, want)
	}

	// A new day resets usage; compliance resets the ladder.
	tomorrow := now.Add(25 * time.Hour)
	if applied = g.EnforceLimits(tomorrow); len(applied) != 0 {
		t.Errorf("compliant enforcement = %v, want none", applied)
	}
	moreThanCap(t, g, tomorrow)
	applied = g.EnforceLimits(tomorrow)
	if len(applied) != 1 || applied[0] != "widen_sync_interval" {
		t.Errorf("post-reset step = %v, want ladder restart", applied)
	}
}

func moreThanCap(t *testing.T, g *Governor, now time.Time) {
	t.Helper()
	cap := g.ActiveConfig().Limits.DailyOps
	for i := 0; i <= cap; i++ {
		g.Meter().TrackOp(now, false)
	}
}

func TestRestoreGraceReinstatesBorrowedConfig(t *testing.T) {
	g := newTestGovernor(t, TierPremium)
	now := time.Now()

	saved := GracePeriod{
		State:       GraceInGrace,
		ExpiresAt:   now.Add(48 * time.Hour),
		AppliedTier: TierBasic,
		MaintainedFeatures: []string{
			"crisis_sync", "crisis_contacts", "check_in_sync", "assessment_sync",
		},
		DisabledFeatures: []string{"cross_device_sync", "background_sync"},
	}
	g.RestoreGrace(saved, now)

	if !g.Grace().Active() {
		t.Fatal("grace not active after restore")
	}
	cfg := g.ActiveConfig()
	if cfg.Tier != TierBasic {
		t.Errorf("active tier = %s, want borrowed basic", cfg.Tier)
	}
	if cfg.Features.CrossDeviceSync || cfg.Features.BackgroundSync {
		t.Error("disabled features came back with the restore")
	}
	if !cfg.Guarantees.CrisisGuaranteed {
		t.Error("crisis guarantee must stay on in grace")
	}
}

func TestRestoreGraceExpiredSnapshotForcesDowngrade(t *testing.T) {
	g := newTestGovernor(t, TierPremium)
	now := time.Now()

	g.RestoreGrace(GracePeriod{
		State:       GraceInGrace,
		ExpiresAt:   now.Add(-time.Hour),
		AppliedTier: TierBasic,
	}, now)

	if g.CurrentTier() != TierTrial {
		t.Errorf("tier = %s, a window that lapsed offline downgrades on restore", g.CurrentTier())
	}
	if g.Grace().State != GraceExpired {
		t.Errorf("grace state = %s, want expired", g.Grace().State)
	}
}

func TestRestoreGraceIgnoresHealthySnapshot(t *testing.T) {
	g := newTestGovernor(t, TierPremium)
	g.RestoreGrace(GracePeriod{State: GraceNormal}, time.Now())

	if g.CurrentTier() != TierPremium {
		t.Errorf("tier = %s, a normal snapshot must not touch state", g.CurrentTier())
	}
}
