package tier

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// BillingState is a subscription's billing status as reported by the
// billing collaborator.
type BillingState string

const (
	BillingActive  BillingState = "active"
	BillingPastDue BillingState = "past_due"
	BillingCancel  BillingState = "canceled"
)

// GraceState is the governor's grace-period state machine position.
type GraceState string

const (
	// GraceNormal means billing is healthy; the resolved tier applies.
	GraceNormal GraceState = "normal"
	// GraceInGrace means billing is past due; a borrowed config applies
	// until the grace window expires or payment resolves.
	GraceInGrace GraceState = "inGrace"
	// GraceExpired means the grace window lapsed without payment; the
	// subscription was force-downgraded to the lowest tier.
	GraceExpired GraceState = "expired"
)

// DefaultGraceWindow is how long a past-due subscription keeps its borrowed
// config before forced downgrade.
const DefaultGraceWindow = 7 * 24 * time.Hour

// GracePeriod is the transient state attached to a subscription in billing
// distress.
type GracePeriod struct {
	State              GraceState `json:"state"`
	ExpiresAt          time.Time  `json:"expires_at,omitempty"`
	AppliedTier        Tier       `json:"applied_tier,omitempty"`
	MaintainedFeatures []string   `json:"maintained_features,omitempty"`
	DisabledFeatures   []string   `json:"disabled_features,omitempty"`
}

// Active reports whether a grace window is currently in effect.
func (g GracePeriod) Active() bool { return g.State == GraceInGrace }

// SubscriptionState is the input to tier resolution.
type SubscriptionState struct {
	Tier    Tier
	Billing BillingState
}

// LimitViolation describes one exceeded usage limit.
type LimitViolation struct {
	Limit   string `json:"limit"`
	Actual  int64  `json:"actual"`
	Allowed int64  `json:"allowed"`
}

// Governor owns tier configuration, usage enforcement, and the grace-period
// state machine.
type Governor struct {
	mu sync.RWMutex

	catalog      Catalog
	resolvedTier Tier   // tier the subscription entitles
	active       Config // config currently in force (copy-on-switch)
	grace        GracePeriod
	graceWindow  time.Duration
	meter        *Meter
	lastStrategy Strategy

	// enforcement escalation flags; reset when limits return to compliance
	intervalWidened    bool
	concurrencyReduced bool
	compressionForced  bool

	// onChange is invoked (outside the lock) after the active config
	// changes, so the engine can react to downgrades mid-flight.
	onChange func(Config, string)

	logger *log.Logger
}

// GovernorConfig configures a Governor.
type GovernorConfig struct {
	// Catalog is the tier table. Defaults to DefaultCatalog().
	Catalog Catalog

	// InitialTier is the subscription's tier at startup. Defaults to trial.
	InitialTier Tier

	// GraceWindow is how long past-due subscriptions keep their borrowed
	// config. Defaults to DefaultGraceWindow.
	GraceWindow time.Duration

	// Logger for governor activity.
	Logger *log.Logger
}

// NewGovernor creates a governor with the given configuration.
func NewGovernor(cfg GovernorConfig) (*Governor, error) {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, err
	}
	if cfg.InitialTier == "" {
		cfg.InitialTier = TierTrial
	}
	if !cfg.InitialTier.Valid() {
		return nil, fmt.Errorf("invalid initial tier %q", cfg.InitialTier)
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[tier] ", log.LstdFlags)
	}

	return &Governor{
		catalog:      cfg.Catalog,
		resolvedTier: cfg.InitialTier,
		active:       cfg.Catalog[cfg.InitialTier],
		grace:        GracePeriod{State: GraceNormal},
		graceWindow:  cfg.GraceWindow,
		meter:        NewMeter(time.Now()),
		logger:       cfg.Logger,
	}, nil
}

// OnChange registers a callback invoked after every active-config change.
// The callback runs outside the governor lock.
func (g *Governor) OnChange(fn func(cfg Config, reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// ResolveTier is a pure function of subscription state and grace status: a
// past-due subscription inside the grace window resolves to the borrowed
// grace config, otherwise to the catalog config for its tier.
func (g *Governor) ResolveTier(sub SubscriptionState) Config {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if sub.Billing == BillingPastDue && g.grace.Active() {
		return g.catalog[g.grace.AppliedTier]
	}
	if !sub.Tier.Valid() {
		return g.catalog[TierTrial]
	}
	return g.catalog[sub.Tier]
}

// ActiveConfig returns a copy of the config currently in force.
func (g *Governor) ActiveConfig() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// CurrentTier returns the subscription's resolved tier.
func (g *Governor) CurrentTier() Tier {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolvedTier
}

// Grace returns a copy of the grace-period state.
func (g *Governor) Grace() GracePeriod {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.grace
}

// Meter exposes the usage meter for the engine's dispatch-path tracking.
func (g *Governor) Meter() *Meter { return g.meter }

// LastStrategy returns the optimization strategy generated by the most
// recent tier switch.
func (g *Governor) LastStrategy() Strategy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastStrategy
}

// SwitchTier atomically swaps the active config to newTier's, regenerates
// the optimization strategy for the new tier, and applies feature changes in
// the direction of travel. Local data is never touched: a downgrade only
// disables features going forward.
func (g *Governor) SwitchTier(newTier Tier, reason string) error {
	if !newTier.Valid() {
		return fmt.Errorf("invalid tier %q", newTier)
	}

	g.mu.Lock()
	oldTier := g.resolvedTier
	oldLevel := g.active.PriorityLevel

	g.resolvedTier = newTier
	g.active = g.catalog[newTier]
	g.resetEnforcementLocked()

	direction := "upgrade"
	if g.active.PriorityLevel < oldLevel {
		direction = "downgrade"
	}

	g.lastStrategy = generateStrategy(g.active, 0)

	cfg := g.active
	onChange := g.onChange
	g.mu.Unlock()

	g.logger.Printf("Tier switch %s -> %s (%s, reason: %s)", oldTier, newTier, direction, reason)
	if onChange != nil {
		onChange(cfg, reason)
	}
	return nil
}

// HandleBillingEvent drives the grace-period state machine. This is the
// single authority for billing-driven tier transitions.
//
// Transitions:
//   - past_due while normal: enter inGrace with a borrowed basic-equivalent
//     config; crisis-path features stay on the maintained allowlist.
//   - active while inGrace: payment resolved; restore the resolved tier.
//   - canceled: immediate downgrade to trial.
func (g *Governor) HandleBillingEvent(state BillingState, now time.Time) error {
	switch state {
	case BillingPastDue:
		g.mu.Lock()
		if g.grace.State == GraceInGrace {
			g.mu.Unlock()
			return nil // already in grace; the window does not restart
		}

		// Borrow the basic config unless the subscription is already on
		// trial; trial has nothing richer to borrow.
		applied := TierBasic
		if g.resolvedTier == TierTrial {
			applied = TierTrial
		}
		g.grace = GracePeriod{
			State:       GraceInGrace,
			ExpiresAt:   now.Add(g.graceWindow),
			AppliedTier: applied,
			MaintainedFeatures: []string{
				"crisis_sync", "crisis_contacts", "check_in_sync", "assessment_sync",
			},
			DisabledFeatures: []string{"cross_device_sync", "background_sync"},
		}
		g.active = g.catalog[applied]
		g.active.Features.CrossDeviceSync = false
		g.active.Features.BackgroundSync = false
		g.resetEnforcementLocked()
		cfg := g.active
		onChange := g.onChange
		expires := g.grace.ExpiresAt
		g.mu.Unlock()

		g.logger.Printf("Billing past due: entering grace period until %s (applied config: %s)", expires.Format(time.RFC3339), applied)
		if onChange != nil {
			onChange(cfg, "billing past_due")
		}
		return nil

	case BillingActive:
		g.mu.Lock()
		wasGrace := g.grace.Active()
		g.grace = GracePeriod{State: GraceNormal}
		restored := g.resolvedTier
		g.mu.Unlock()

		if wasGrace {
			g.logger.Printf("Payment resolved: exiting grace period, restoring tier %s", restored)
			return g.SwitchTier(restored, "payment resolved")
		}
		return nil

	case BillingCancel:
		g.mu.Lock()
		g.grace = GracePeriod{State: GraceNormal}
		g.mu.Unlock()
		return g.SwitchTier(TierTrial, "subscription canceled")

	default:
		return fmt.Errorf("unknown billing state %q", state)
	}
}

// RestoreGrace reinstates a persisted grace window after a restart. A
// snapshot that lapsed while the daemon was down forces the downgrade
// immediately; a healthy snapshot is a no-op.
func (g *Governor) RestoreGrace(saved GracePeriod, now time.Time) {
	if saved.State != GraceInGrace {
		return
	}

	g.mu.Lock()
	g.grace = saved
	if saved.AppliedTier.Valid() {
		g.active = g.catalog[saved.AppliedTier]
		g.active.Features.CrossDeviceSync = false
		g.active.Features.BackgroundSync = false
	}
	g.resetEnforcementLocked()
	g.mu.Unlock()

	g.logger.Printf("Restored grace period (expires %s)", saved.ExpiresAt.Format(time.RFC3339))
	g.Tick(now)
}

// Tick advances time-driven state: grace expiry and the daily usage roll.
// Call on the engine's scheduling cadence.
func (g *Governor) Tick(now time.Time) {
	g.mu.Lock()
	expired := g.grace.State == GraceInGrace && !now.Before(g.grace.ExpiresAt)
	if expired {
		g.grace = GracePeriod{State: GraceExpired}
	}
	g.mu.Unlock()

	if expired {
		g.logger.Printf("Grace period expired without payment: forcing downgrade to %s", TierTrial)
		_ = g.SwitchTier(TierTrial, "grace period expired")
	}

	g.meter.Snapshot(now) // rolls the day boundary
}

// ValidateLimits returns the usage limits currently exceeded. Crisis
// operations are excluded from the daily-op count: they are observed but
// never gated.
func (g *Governor) ValidateLimits(now time.Time) []LimitViolation {
	snap := g.meter.Snapshot(now)

	g.mu.RLock()
	limits := g.active.Limits
	g.mu.RUnlock()

	var out []LimitViolation
	gated := snap.OpsToday - snap.CrisisOpsToday
	if gated > limits.DailyOps {
		out = append(out, LimitViolation{Limit: "dailySyncOperations", Actual: int64(gated), Allowed: int64(limits.DailyOps)})
	}
	if snap.DevicesConnected > limits.DeviceLimit {
		out = append(out, LimitViolation{Limit: "deviceLimit", Actual: int64(snap.DevicesConnected), Allowed: int64(limits.DeviceLimit)})
	}
	if snap.SessionsActive > limits.SessionLimit {
		out = append(out, LimitViolation{Limit: "sessionLimit", Actual: int64(snap.SessionsActive), Allowed: int64(limits.SessionLimit)})
	}
	if snap.BytesToday > limits.DailyBytes {
		out = append(out, LimitViolation{Limit: "dailyBytes", Actual: snap.BytesToday, Allowed: limits.DailyBytes})
	}
	return out
}

// EnforceLimits applies mitigations for exceeded limits in a fixed priority
// order: widen the sync interval, then reduce concurrency, then force
// payload compression. Each step applies at most once until limits return
// to compliance, so repeated calls are idempotent. The applied action names
// are returned.
func (g *Governor) EnforceLimits(now time.Time) []string {
	violations := g.ValidateLimits(now)

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(violations) == 0 {
		g.resetEnforcementLocked()
		return nil
	}

	var applied []string
	switch {
	case !g.intervalWidened:
		g.active.SyncInterval = g.active.SyncInterval * 3 / 2
		g.intervalWidened = true
		applied = append(applied, "widen_sync_interval")
		g.logger.Printf("Limit enforcement: widened sync interval to %s", g.active.SyncInterval)
	case !g.concurrencyReduced:
		if g.active.MaxConcurrentOps > 1 {
			g.active.MaxConcurrentOps = (g.active.MaxConcurrentOps + 1) / 2
		}
		g.concurrencyReduced = true
		applied = append(applied, "reduce_concurrency")
		g.logger.Printf("Limit enforcement: reduced max concurrent ops to %d", g.active.MaxConcurrentOps)
	case !g.compressionForced:
		g.active.CompressPayloads = true
		g.compressionForced = true
		applied = append(applied, "enable_compression")
		g.logger.Printf("Limit enforcement: enabled payload compression")
	}
	return applied
}

// resetEnforcementLocked clears the escalation ladder. Caller holds mu.
func (g *Governor) resetEnforcementLocked() {
	g.intervalWidened = false
	g.concurrencyReduced = false
	g.compressionForced = false
}
