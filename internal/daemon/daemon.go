// Package daemon wires the sync core together and runs it.
//
// The daemon:
// 1. Opens the durable store and restores usage and grace snapshots
// 2. Builds governor, transport, monitor, engine, spool, and dashboard
// 3. Fans tier changes out to the engine and the dashboard
// 4. Ticks the governor and persists snapshots on a housekeeping cadence
// 5. Handles graceful shutdown in reverse dependency order
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/MP2EZ/being-sync/internal/config"
	"github.com/MP2EZ/being-sync/internal/dashboard"
	"github.com/MP2EZ/being-sync/internal/engine"
	"github.com/MP2EZ/being-sync/internal/logging"
	"github.com/MP2EZ/being-sync/internal/monitor"
	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/spool"
	"github.com/MP2EZ/being-sync/internal/store"
	"github.com/MP2EZ/being-sync/internal/tier"
	"github.com/MP2EZ/being-sync/internal/transport"
)

const (
	snapshotMeter = "usage_meter"
	snapshotGrace = "grace_period"

	// housekeepInterval paces governor ticks, snapshot persistence, and
	// periodic status broadcasts.
	housekeepInterval = 30 * time.Second
)

// Daemon owns the assembled sync core.
type Daemon struct {
	cfg    *config.Config
	sink   *logging.Sink
	logger *log.Logger

	store   *store.Store
	gov     *tier.Governor
	remote  transport.Transport
	mon     *monitor.Monitor
	eng     *engine.Engine
	spooler *spool.Watcher
	dash    *dashboard.Server
	events  *dashboard.Handler

	tierMu   sync.Mutex
	lastTier tier.Tier
}

// New assembles the daemon from configuration. Nothing starts until Run.
func New(cfg *config.Config, sink *logging.Sink) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	if sink == nil {
		sink = logging.New(logging.Options{})
	}
	d := &Daemon{cfg: cfg, sink: sink, logger: sink.Logger("daemon")}

	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("daemon: RELAY_URL must be set")
	}
	key, err := cfg.SealKeyBytes()
	if err != nil {
		return nil, err
	}
	sealer, err := seal.NewChaCha(key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create state dir: %w", err)
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create spool dir: %w", err)
	}

	d.store, err = store.Open(cfg.StorePath(), sealer)
	if err != nil {
		return nil, err
	}

	catalog := tier.DefaultCatalog()
	if cfg.TierCatalogFile != "" {
		catalog, err = tier.LoadCatalog(cfg.TierCatalogFile)
		if err != nil {
			return nil, err
		}
	}
	d.gov, err = tier.NewGovernor(tier.GovernorConfig{
		Catalog:     catalog,
		InitialTier: cfg.InitialTier(),
		Logger:      sink.Logger("tier"),
	})
	if err != nil {
		return nil, err
	}
	d.restoreSnapshots()

	d.remote, err = transport.NewWebSocket(transport.WebSocketConfig{
		URL:    cfg.RelayURL,
		Logger: sink.Logger("transport"),
	})
	if err != nil {
		return nil, err
	}

	if cfg.DashboardPort > 0 {
		d.dash = dashboard.NewServer(dashboard.Config{
			Port:     cfg.DashboardPort,
			Snapshot: d.statusMessage,
			Export: func(format string, since time.Time) (string, error) {
				return d.mon.Export(format, since)
			},
			Logger: sink.Logger("dashboard"),
		})
		d.events = dashboard.NewHandler(d.dash, sink.Logger("dashboard"))
	}

	rules := monitor.DefaultRules(catalog)
	if cfg.RulesFile != "" {
		rules, err = monitor.LoadRules(cfg.RulesFile, catalog)
		if err != nil {
			return nil, err
		}
	}
	d.mon, err = monitor.New(monitor.Config{
		Governor:    d.gov,
		Rules:       rules,
		ReachableFn: d.remote.Reachable,
		OnViolation: d.onViolation,
		Logger:      sink.Logger("monitor"),
	})
	if err != nil {
		return nil, err
	}

	d.eng, err = engine.New(engine.Config{
		Store:     d.store,
		Transport: d.remote,
		Governor:  d.gov,
		Sealer:    sealer,
		Logger:    sink.Logger("engine"),
		OnOutcome: d.onOutcome,
	})
	if err != nil {
		return nil, err
	}

	debounce, err := cfg.SpoolDebounceInterval()
	if err != nil {
		return nil, err
	}
	d.spooler, err = spool.New(spool.Config{
		Dir:              cfg.SpoolDir,
		Engine:           d.eng,
		Governor:         d.gov,
		Usage:            d.gov.Meter(),
		Sealer:           sealer,
		DebounceInterval: debounce,
		Logger:           sink.Logger("spool"),
	})
	if err != nil {
		return nil, err
	}

	d.lastTier = d.gov.CurrentTier()
	d.gov.OnChange(d.onTierChange)
	return d, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Printf("Starting sync daemon (tier: %s, state: %s)", d.gov.CurrentTier(), d.cfg.StateDir)

	if d.dash != nil {
		if err := d.dash.Start(); err != nil {
			return err
		}
	}
	d.mon.Start()
	if err := d.eng.Start(); err != nil {
		d.mon.Stop()
		return err
	}
	if err := d.spooler.Start(); err != nil {
		d.eng.Stop()
		d.mon.Stop()
		return err
	}

	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Println("Shutdown signal received")
			return d.stop()
		case now := <-ticker.C:
			d.housekeep(now)
		}
	}
}

// stop shuts components down in reverse dependency order: intake first so
// nothing new enters, then dispatch, then observability.
func (d *Daemon) stop() error {
	if err := d.spooler.Stop(); err != nil {
		d.logger.Printf("Error stopping spool: %v", err)
	}
	d.eng.Stop()
	d.mon.Stop()
	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.persistSnapshots(time.Now())

	if closer, ok := d.remote.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("daemon: close store: %w", err)
	}
	d.logger.Println("Daemon stopped")
	return nil
}

// housekeep advances governor time, persists snapshots, and refreshes the
// dashboard status.
func (d *Daemon) housekeep(now time.Time) {
	d.gov.Tick(now)
	if d.dash != nil {
		d.gov.Meter().TrackSession(d.dash.ClientCount())
	}
	d.persistSnapshots(now)

	if d.events != nil {
		data := d.mon.DashboardData()
		d.events.OnCompliance(data)
		d.events.OnStatus(d.gov.CurrentTier(), d.eng.Status(), data.HealthScore)
	}
}

// onOutcome feeds every dispatch result to the monitor and the dashboard.
func (d *Daemon) onOutcome(ev monitor.Outcome) {
	d.mon.RecordOutcome(ev)
	if d.events != nil {
		d.events.OnSyncOutcome(ev)
	}
}

func (d *Daemon) onViolation(v monitor.Violation) {
	if d.events != nil {
		d.events.OnViolation(v)
	}
}

// onTierChange fans a governor config change out to the engine and the
// dashboard.
func (d *Daemon) onTierChange(cfg tier.Config, reason string) {
	d.tierMu.Lock()
	from := d.lastTier
	d.lastTier = cfg.Tier
	d.tierMu.Unlock()

	d.eng.HandleTierChange(cfg, reason)
	if d.events != nil {
		d.events.OnTierChange(from, cfg.Tier, reason)
	}
}

// statusMessage builds the dashboard welcome snapshot.
func (d *Daemon) statusMessage() dashboard.Message {
	data := d.mon.DashboardData()
	raw, _ := json.Marshal(dashboard.StatusData{
		Tier:        d.gov.CurrentTier(),
		Engine:      d.eng.Status(),
		HealthScore: data.HealthScore,
	})
	return dashboard.Message{Type: dashboard.MessageTypeStatus, Data: raw}
}

// restoreSnapshots reloads the usage meter and grace window persisted by a
// previous run.
func (d *Daemon) restoreSnapshots() {
	now := time.Now()

	if raw, err := d.store.LoadSnapshot(snapshotMeter); err == nil && raw != nil {
		var snap tier.Snapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			d.gov.Meter().Restore(now, snap)
		} else {
			d.logger.Printf("Discarding corrupt meter snapshot: %v", err)
		}
	}

	if raw, err := d.store.LoadSnapshot(snapshotGrace); err == nil && raw != nil {
		var grace tier.GracePeriod
		if err := json.Unmarshal(raw, &grace); err == nil {
			d.gov.RestoreGrace(grace, now)
		} else {
			d.logger.Printf("Discarding corrupt grace snapshot: %v", err)
		}
	}
}

func (d *Daemon) persistSnapshots(now time.Time) {
	if raw, err := json.Marshal(d.gov.Meter().Snapshot(now)); err == nil {
		if err := d.store.SaveSnapshot(snapshotMeter, raw); err != nil {
			d.logger.Printf("Error persisting meter snapshot: %v", err)
		}
	}
	if raw, err := json.Marshal(d.gov.Grace()); err == nil {
		if err := d.store.SaveSnapshot(snapshotGrace, raw); err != nil {
			d.logger.Printf("Error persisting grace snapshot: %v", err)
		}
	}
}
