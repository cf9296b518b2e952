// Package tier provides the tier resource governor.
//
// The governor owns the tier configuration tables, the per-day usage meter,
// and the grace-period state machine. It is the single authority for tier
// resolution: no other component mutates tier state. The sync engine reads
// its pacing and limit parameters; the performance monitor feeds violation
// signals back through the optimization strategy hook.
package tier

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is a subscription level.
type Tier string

const (
	TierTrial   Tier = "trial"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// Valid reports whether t is a recognized tier.
func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierBasic, TierPremium:
		return true
	}
	return false
}

// ConflictMode selects the conflict resolution strategy for a tier.
type ConflictMode string

const (
	// ConflictBasic resolves by last-write-wins on operation timestamp.
	ConflictBasic ConflictMode = "basic"
	// ConflictAdvanced merges non-overlapping fields, last-write-wins per
	// conflicting field.
	ConflictAdvanced ConflictMode = "advanced"
)

// CrisisLatencyTarget is the hard crisis handling ceiling. It is
// tier-independent: every tier guarantees it.
const CrisisLatencyTarget = 200 * time.Millisecond

// ResourceAllocation bounds the resources a tier may consume.
type ResourceAllocation struct {
	CPUPercent         int   `yaml:"cpu_percent"`
	MemoryBytes        int64 `yaml:"memory_bytes"`
	NetworkBytesPerSec int64 `yaml:"network_bytes_per_sec"`
	StorageBytes       int64 `yaml:"storage_bytes"`
}

// FeatureToggles enables or disables per-tier features.
type FeatureToggles struct {
	RealtimeSync    bool         `yaml:"realtime_sync"`
	CrossDeviceSync bool         `yaml:"cross_device_sync"`
	ConflictMode    ConflictMode `yaml:"conflict_mode"`
	BackgroundSync  bool         `yaml:"background_sync"`
}

// Limits caps daily usage for a tier.
type Limits struct {
	DailyOps        int   `yaml:"daily_ops"`
	DeviceLimit     int   `yaml:"device_limit"`
	SessionLimit    int   `yaml:"session_limit"`
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
	DailyBytes      int64 `yaml:"daily_bytes"`

	// MaxRetryAttempts is the per-operation retry ceiling before
	// dead-lettering. Crisis operations ignore it.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
}

// Guarantees are the SLA targets for a tier. CrisisGuaranteed is true for
// every tier; the crisis latency target does not vary by tier.
type Guarantees struct {
	MaxSyncLatency   time.Duration `yaml:"max_sync_latency"`
	UptimeTarget     float64       `yaml:"uptime_target"`
	CrisisGuaranteed bool          `yaml:"crisis_guaranteed"`
}

// Config is the immutable per-tier configuration record. The governor hands
// out copies; mutation happens only through SwitchTier and
// ApplyTierOptimizations (copy-on-switch).
type Config struct {
	Tier             Tier               `yaml:"tier"`
	SyncInterval     time.Duration      `yaml:"sync_interval"`
	MaxConcurrentOps int                `yaml:"max_concurrent_ops"`
	PriorityLevel    int                `yaml:"priority_level"`
	Resources        ResourceAllocation `yaml:"resources"`
	Features         FeatureToggles     `yaml:"features"`
	Limits           Limits             `yaml:"limits"`
	Guarantees       Guarantees         `yaml:"guarantees"`

	// CompressPayloads is set by limit enforcement and optimization
	// strategies, not by the catalog.
	CompressPayloads bool `yaml:"-"`
}

// UnmarshalYAML decodes a catalog entry, accepting duration strings like
// "30s" for the interval and latency fields.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Tier             Tier               `yaml:"tier"`
		SyncInterval     string             `yaml:"sync_interval"`
		MaxConcurrentOps int                `yaml:"max_concurrent_ops"`
		PriorityLevel    int                `yaml:"priority_level"`
		Resources        ResourceAllocation `yaml:"resources"`
		Features         FeatureToggles     `yaml:"features"`
		Limits           Limits             `yaml:"limits"`
		Guarantees       struct {
			MaxSyncLatency   string  `yaml:"max_sync_latency"`
			UptimeTarget     float64 `yaml:"uptime_target"`
			CrisisGuaranteed bool    `yaml:"crisis_guaranteed"`
		} `yaml:"guarantees"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}

	*c = Config{
		Tier:             aux.Tier,
		MaxConcurrentOps: aux.MaxConcurrentOps,
		PriorityLevel:    aux.PriorityLevel,
		Resources:        aux.Resources,
		Features:         aux.Features,
		Limits:           aux.Limits,
		Guarantees: Guarantees{
			UptimeTarget:     aux.Guarantees.UptimeTarget,
			CrisisGuaranteed: aux.Guarantees.CrisisGuaranteed,
		},
	}
	if aux.SyncInterval != "" {
		d, err := time.ParseDuration(aux.SyncInterval)
		if err != nil {
			return fmt.Errorf("sync_interval: %w", err)
		}
		c.SyncInterval = d
	}
	if aux.Guarantees.MaxSyncLatency != "" {
		d, err := time.ParseDuration(aux.Guarantees.MaxSyncLatency)
		if err != nil {
			return fmt.Errorf("max_sync_latency: %w", err)
		}
		c.Guarantees.MaxSyncLatency = d
	}
	return nil
}

// Validate checks the config for values the engine cannot run with.
func (c *Config) Validate() error {
	if !c.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", c.Tier)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("tier %s: sync_interval must be positive", c.Tier)
	}
	if c.MaxConcurrentOps < 1 {
		return fmt.Errorf("tier %s: max_concurrent_ops must be at least 1", c.Tier)
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		return fmt.Errorf("tier %s: max_payload_bytes must be positive", c.Tier)
	}
	if c.Limits.DailyOps <= 0 {
		return fmt.Errorf("tier %s: daily_ops must be positive", c.Tier)
	}
	if c.Limits.MaxRetryAttempts < 1 {
		return fmt.Errorf("tier %s: max_retry_attempts must be at least 1", c.Tier)
	}
	if !c.Guarantees.CrisisGuaranteed {
		return fmt.Errorf("tier %s: crisis_guaranteed must be true on every tier", c.Tier)
	}
	switch c.Features.ConflictMode {
	case ConflictBasic, ConflictAdvanced:
	default:
		return fmt.Errorf("tier %s: invalid conflict_mode %q", c.Tier, c.Features.ConflictMode)
	}
	return nil
}

// Catalog holds the configuration for every tier.
type Catalog map[Tier]Config

// Validate checks that all three tiers are present and valid.
func (c Catalog) Validate() error {
	for _, t := range []Tier{TierTrial, TierBasic, TierPremium} {
		cfg, ok := c[t]
		if !ok {
			return fmt.Errorf("catalog missing tier %s", t)
		}
		if cfg.Tier != t {
			return fmt.Errorf("catalog entry %s has mismatched tier %q", t, cfg.Tier)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DefaultCatalog returns the built-in tier tables.
func DefaultCatalog() Catalog {
	return Catalog{
		TierTrial: {
			Tier:             TierTrial,
			SyncInterval:     60 * time.Second,
			MaxConcurrentOps: 1,
			PriorityLevel:    1,
			Resources: ResourceAllocation{
				CPUPercent:         5,
				MemoryBytes:        32 << 20,
				NetworkBytesPerSec: 64 << 10,
				StorageBytes:       64 << 20,
			},
			Features: FeatureToggles{
				RealtimeSync:    false,
				CrossDeviceSync: false,
				ConflictMode:    ConflictBasic,
				BackgroundSync:  false,
			},
			Limits: Limits{
				DailyOps:         100,
				DeviceLimit:      1,
				SessionLimit:     1,
				MaxPayloadBytes:  64 << 10,
				DailyBytes:       8 << 20,
				MaxRetryAttempts: 3,
			},
			Guarantees: Guarantees{
				MaxSyncLatency:   5 * time.Second,
				UptimeTarget:     0.99,
				CrisisGuaranteed: true,
			},
		},
		TierBasic: {
			Tier:             TierBasic,
			SyncInterval:     30 * time.Second,
			MaxConcurrentOps: 3,
			PriorityLevel:    2,
			Resources: ResourceAllocation{
				CPUPercent:         10,
				MemoryBytes:        64 << 20,
				NetworkBytesPerSec: 256 << 10,
				StorageBytes:       256 << 20,
			},
			Features: FeatureToggles{
				RealtimeSync:    true,
				CrossDeviceSync: false,
				ConflictMode:    ConflictBasic,
				BackgroundSync:  true,
			},
			Limits: Limits{
				DailyOps:         1000,
				DeviceLimit:      2,
				SessionLimit:     3,
				MaxPayloadBytes:  256 << 10,
				DailyBytes:       64 << 20,
				MaxRetryAttempts: 5,
			},
			Guarantees: Guarantees{
				MaxSyncLatency:   2 * time.Second,
				UptimeTarget:     0.995,
				CrisisGuaranteed: true,
			},
		},
		TierPremium: {
			Tier:             TierPremium,
			SyncInterval:     5 * time.Second,
			MaxConcurrentOps: 8,
			PriorityLevel:    3,
			Resources: ResourceAllocation{
				CPUPercent:         25,
				MemoryBytes:        256 << 20,
				NetworkBytesPerSec: 1 << 20,
				StorageBytes:       1 << 30,
			},
			Features: FeatureToggles{
				RealtimeSync:    true,
				CrossDeviceSync: true,
				ConflictMode:    ConflictAdvanced,
				BackgroundSync:  true,
			},
			Limits: Limits{
				DailyOps:         10000,
				DeviceLimit:      5,
				SessionLimit:     10,
				MaxPayloadBytes:  1 << 20,
				DailyBytes:       512 << 20,
				MaxRetryAttempts: 7,
			},
			Guarantees: Guarantees{
				MaxSyncLatency:   1 * time.Second,
				UptimeTarget:     0.999,
				CrisisGuaranteed: true,
			},
		},
	}
}

// LoadCatalog reads a tier catalog from a YAML file. Entries present in the
// file override the built-in defaults; missing tiers keep their defaults.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier catalog: %w", err)
	}

	var overrides map[Tier]Config
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse tier catalog: %w", err)
	}

	catalog := DefaultCatalog()
	for t, cfg := range overrides {
		cfg.Tier = t
		catalog[t] = cfg
	}

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tier catalog: %w", err)
	}
	return catalog, nil
}
