package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/MP2EZ/being-sync/internal/monitor"
	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/store"
	"github.com/MP2EZ/being-sync/internal/tier"
	"github.com/MP2EZ/being-sync/internal/transport"
)

const (
	defaultBackoffBase  = time.Second
	defaultBackoffCap   = 2 * time.Minute
	defaultMaxWait      = 30 * time.Second
	defaultCrisisPacing = 100 * time.Millisecond

	// offlineProbeInterval paces reachability checks while the engine is
	// accumulating into the durable offline queue.
	offlineProbeInterval = 2 * time.Second

	crisisChanBuffer = 64
)

// Config configures the sync engine. Store, Transport, Governor, and
// Sealer are required.
type Config struct {
	Store     *store.Store
	Transport transport.Transport
	Governor  *tier.Governor
	Sealer    seal.Sealer
	Logger    *log.Logger

	// BackoffBase and BackoffCap bound the exponential retry backoff
	// (base * 2^attempt, capped). Crisis operations ignore backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxWait is the fairness valve: a queued operation older than
	// MaxWait is promoted one priority class per selection scan.
	MaxWait time.Duration

	// CrisisPacing is the delay between consecutive crisis retry
	// attempts. Crisis retries have no exponential backoff; the pacing
	// only keeps a dead transport from being hammered in a tight loop.
	CrisisPacing time.Duration

	// OnOutcome receives one event per dispatch attempt. Wired to the
	// performance monitor by the daemon.
	OnOutcome func(monitor.Outcome)
}

// Status is a point-in-time view of the engine for status surfaces.
type Status struct {
	Initialized      bool      `json:"initialized"`
	Offline          bool      `json:"offline"`
	QueueDepth       int       `json:"queue_depth"`
	ImmediatePending int       `json:"immediate_pending"`
	LastSyncTime     time.Time `json:"last_sync_time"`
	BreakerState     string    `json:"breaker_state"`
}

// Engine is the priority-aware sync orchestrator. See the package comment
// for the dispatch model.
type Engine struct {
	store        *store.Store
	transport    transport.Transport
	gov          *tier.Governor
	sealer       seal.Sealer
	log          *log.Logger
	backoffBase  time.Duration
	backoffCap   time.Duration
	maxWait      time.Duration
	crisisPacing time.Duration
	onOutcome    func(monitor.Outcome)

	mu            sync.Mutex
	running       bool
	lane          *lane
	seen          map[string]State
	persisted     map[string]bool
	breaker       *breaker
	offline       bool
	crisisPending int
	lastSync      time.Time
	lastTier      tier.Tier

	crisisCh chan *Operation
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an engine. It does not start dispatch; call Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if cfg.Sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.CrisisPacing <= 0 {
		cfg.CrisisPacing = defaultCrisisPacing
	}
	return &Engine{
		store:        cfg.Store,
		transport:    cfg.Transport,
		gov:          cfg.Governor,
		sealer:       cfg.Sealer,
		log:          cfg.Logger,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		maxWait:      cfg.MaxWait,
		crisisPacing: cfg.CrisisPacing,
		onOutcome:    cfg.OnOutcome,
		lane:         &lane{},
		seen:         make(map[string]State),
		persisted:    make(map[string]bool),
		breaker:      newBreaker(),
		lastTier:     cfg.Governor.CurrentTier(),
		crisisCh:     make(chan *Operation, crisisChanBuffer),
	}, nil
}

// Start recovers durable state and launches the dispatch loops: one
// draining the normal lane on the tier's sync interval and one consuming
// the immediate lane on a dedicated reserved slot.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}

	queued, err := e.store.LoadQueued()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("recover offline queue: %w", err)
	}
	for _, rec := range queued {
		op := opFromRecord(rec)
		e.lane.push(op)
		e.seen[op.ID] = StateQueued
		e.persisted[op.ID] = true
	}

	unresolved, err := e.store.UnresolvedCrisis()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("recover crisis journal: %w", err)
	}
	var recovered []*Operation
	for _, rec := range unresolved {
		op := opFromRecord(rec)
		e.seen[op.ID] = StateQueued
		e.crisisPending++
		recovered = append(recovered, op)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true
	e.mu.Unlock()

	if len(queued) > 0 || len(recovered) > 0 {
		e.log.Printf("recovered %d queued and %d unresolved crisis operations", len(queued), len(recovered))
	}

	e.wg.Add(2)
	go e.crisisLoop()
	go e.drainLoop()
	for _, op := range recovered {
		select {
		case e.crisisCh <- op:
		case <-e.ctx.Done():
			return nil
		}
	}
	return nil
}

// Stop cancels the dispatch loops and persists the remaining normal lane
// so a restart can recover it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()

	e.mu.Lock()
	remaining := e.lane.all()
	e.mu.Unlock()
	for _, op := range remaining {
		if err := e.store.SaveQueued(recordFromOp(op)); err != nil {
			e.log.Printf("persist queued operation %s on shutdown: %v", op.ID, err)
		}
	}
}

// Enqueue accepts a sync operation. Crisis operations are journaled
// synchronously before Enqueue returns, then handed to the immediate
// lane. Non-crisis payloads larger than the tier's cap are rejected with
// ErrPayloadTooLarge. Re-enqueueing a succeeded ID is a silent no-op;
// re-enqueueing a pending ID returns ErrDuplicate.
func (e *Engine) Enqueue(op *Operation) error {
	crisis := op.Domain == DomainCrisis
	cfg := e.gov.ActiveConfig()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if st, ok := e.seen[op.ID]; ok {
		e.mu.Unlock()
		if st == StateSucceeded {
			return nil
		}
		return ErrDuplicate
	}
	if !crisis && int64(len(op.Payload)) > cfg.Limits.MaxPayloadBytes {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d bytes over %d byte %s cap", ErrPayloadTooLarge, len(op.Payload), cfg.Limits.MaxPayloadBytes, cfg.Tier)
	}

	if crisis {
		op.Priority = PriorityImmediate
		// Write-through: the crisis journal entry must be durable before
		// the caller observes the enqueue as accepted.
		if err := e.store.JournalCrisis(recordFromOp(op)); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("journal crisis operation: %w", err)
		}
		e.seen[op.ID] = StateQueued
		e.crisisPending++
		ctx := e.ctx
		e.mu.Unlock()
		select {
		case e.crisisCh <- op:
		case <-ctx.Done():
			// Engine stopping; the journal entry survives for recovery.
		}
		return nil
	}

	e.seen[op.ID] = StateQueued
	e.lane.push(op)
	offline := e.offline
	e.mu.Unlock()

	if offline {
		if err := e.persistOp(op); err != nil {
			e.log.Printf("persist offline operation %s: %v", op.ID, err)
		}
	}
	return nil
}

// HandleTierChange reacts to a governor tier switch. On a downgrade,
// queued non-crisis retries are cancelled to the dead-letter log;
// in-flight attempts are left to finish.
func (e *Engine) HandleTierChange(cfg tier.Config, reason string) {
	e.mu.Lock()
	prev := e.lastTier
	e.lastTier = cfg.Tier
	downgrade := tierRank(cfg.Tier) < tierRank(prev)
	var cancelled []*Operation
	if downgrade {
		for _, op := range e.lane.all() {
			if op.Attempt > 0 {
				e.lane.remove(op.ID)
				op.State = StateFailed
				e.seen[op.ID] = StateFailed
				cancelled = append(cancelled, op)
			}
		}
	}
	e.mu.Unlock()

	e.log.Printf("tier changed %s -> %s (%s)", prev, cfg.Tier, reason)
	now := time.Now()
	for _, op := range cancelled {
		if err := e.store.AddDeadLetter(recordFromOp(op), "cancelled on tier downgrade", now); err != nil {
			e.log.Printf("dead-letter cancelled operation %s: %v", op.ID, err)
		}
		e.forgetPersisted(op.ID)
	}
	if len(cancelled) > 0 {
		e.log.Printf("cancelled %d queued retries on downgrade to %s", len(cancelled), cfg.Tier)
	}
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Initialized:      e.running,
		Offline:          e.offline,
		QueueDepth:       e.lane.len(),
		ImmediatePending: e.crisisPending,
		LastSyncTime:     e.lastSync,
		BreakerState:     string(e.breaker.state),
	}
}

func tierRank(t tier.Tier) int {
	switch t {
	case tier.TierPremium:
		return 2
	case tier.TierBasic:
		return 1
	default:
		return 0
	}
}

func (e *Engine) drainLoop() {
	defer e.wg.Done()
	timer := time.NewTimer(e.interval())
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-timer.C:
			e.DrainTick(now)
			timer.Reset(e.interval())
		}
	}
}

// interval picks the next drain delay: the tier's sync interval,
// shortened while backoff retries are pending or while offline probing.
func (e *Engine) interval() time.Duration {
	iv := e.gov.ActiveConfig().SyncInterval
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offline && iv > offlineProbeInterval {
		iv = offlineProbeInterval
	}
	if e.lane.len() > 0 && iv > time.Second {
		iv = time.Second
	}
	return iv
}

// DrainTick runs one normal-lane drain scan: limit enforcement, offline
// recovery, breaker admission, selection, and dispatch. It blocks until
// the selected batch completes; every dispatch carries a tier-derived
// timeout, so the tick is bounded. Exported so the daemon and tests can
// drive the engine without waiting on the wall clock.
func (e *Engine) DrainTick(now time.Time) {
	if adjustments := e.gov.EnforceLimits(now); len(adjustments) > 0 {
		e.log.Printf("limit enforcement applied: %v", adjustments)
	}
	cfg := e.gov.ActiveConfig()

	e.mu.Lock()
	if e.offline {
		if !e.transport.Reachable() {
			e.mu.Unlock()
			return
		}
		e.offline = false
		e.log.Printf("transport reachable again, draining offline queue (%d queued)", e.lane.len())
	}
	budget := e.breaker.admit(now, cfg.MaxConcurrentOps)
	if budget <= 0 {
		e.mu.Unlock()
		return
	}
	batch := e.lane.selectReady(now, budget, e.maxWait)
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, op := range batch {
		wg.Add(1)
		go func(op *Operation) {
			defer wg.Done()
			e.dispatch(op, cfg)
		}(op)
	}
	wg.Wait()
}

// dispatch runs one normal-lane attempt, including a single conflict
// resolution resend. The caller has removed op from the lane; failure
// paths requeue or dead-letter it.
func (e *Engine) dispatch(op *Operation, cfg tier.Config) {
	start := time.Now()
	op.State = StateDispatched
	op.Attempt++
	op.LastAttemptAt = start

	env, err := e.envelope(op, cfg)
	if err != nil {
		e.log.Printf("build envelope for %s: %v", op.ID, err)
		e.failNormal(op, cfg, start, err)
		e.emit(op, time.Since(start), false, false)
		return
	}

	meter := e.gov.Meter()
	meter.TrackOp(start, false)
	meter.TrackBytes(start, int64(len(env.Payload)))

	ctx, cancel := context.WithTimeout(e.ctx, cfg.Guarantees.MaxSyncLatency)
	res, err := e.transport.Send(ctx, env)
	cancel()
	latency := time.Since(start)

	switch {
	case errors.Is(err, transport.ErrUnreachable):
		e.enterOffline(op)
		e.emit(op, latency, false, false)
	case err != nil:
		e.failNormal(op, cfg, start, err)
		e.emit(op, latency, false, false)
	case res.Status == transport.StatusConflict:
		e.resolveAndResend(op, cfg, env, res, start)
	case res.Status == transport.StatusOK:
		e.succeed(op)
		e.emit(op, latency, true, false)
	default:
		e.failNormal(op, cfg, start, fmt.Errorf("remote rejected: %s", res.Detail))
		e.emit(op, latency, false, false)
	}
}

// resolveAndResend applies the tier's conflict strategy and performs at
// most one resend within the same attempt.
func (e *Engine) resolveAndResend(op *Operation, cfg tier.Config, env transport.Envelope, res transport.Result, start time.Time) {
	r, err := resolveConflict(op, res.Remote, cfg.Features.ConflictMode, e.sealer)
	if err != nil {
		e.failNormal(op, cfg, start, fmt.Errorf("resolve conflict: %w", err))
		e.emit(op, time.Since(start), false, true)
		return
	}

	if r.outcome == conflictRemoteWins {
		// Remote version stands; the operation is terminal and surfaced
		// as conflicted, not retried.
		e.mu.Lock()
		op.State = StateConflicted
		e.seen[op.ID] = StateConflicted
		e.breaker.onSuccess()
		e.mu.Unlock()
		e.forgetPersisted(op.ID)
		e.emit(op, time.Since(start), true, true)
		return
	}

	env.Force = r.force
	env.Preserve = r.preserve
	if r.payload != nil {
		env.Payload = r.payload
		env.Compressed = false
	}
	ctx, cancel := context.WithTimeout(e.ctx, cfg.Guarantees.MaxSyncLatency)
	res2, err := e.transport.Send(ctx, env)
	cancel()
	latency := time.Since(start)

	switch {
	case errors.Is(err, transport.ErrUnreachable):
		e.enterOffline(op)
		e.emit(op, latency, false, true)
	case err == nil && res2.Status == transport.StatusOK:
		e.succeed(op)
		e.emit(op, latency, true, true)
	default:
		e.failNormal(op, cfg, start, fmt.Errorf("conflict resend rejected"))
		e.emit(op, latency, false, true)
	}
}

func (e *Engine) succeed(op *Operation) {
	e.mu.Lock()
	op.State = StateSucceeded
	e.seen[op.ID] = StateSucceeded
	e.lastSync = time.Now()
	e.breaker.onSuccess()
	e.mu.Unlock()
	e.forgetPersisted(op.ID)
}

// failNormal records a failed attempt: backoff and requeue while under
// the tier's retry ceiling, dead-letter once it is reached.
func (e *Engine) failNormal(op *Operation, cfg tier.Config, now time.Time, cause error) {
	e.mu.Lock()
	e.breaker.onFailure(now)
	if op.Attempt < cfg.Limits.MaxRetryAttempts {
		op.State = StateQueued
		op.notBefore = now.Add(e.backoff(op.Attempt))
		e.lane.push(op)
		e.mu.Unlock()
		e.log.Printf("dispatch %s failed (attempt %d/%d): %v", op.ID, op.Attempt, cfg.Limits.MaxRetryAttempts, cause)
		return
	}
	op.State = StateFailed
	e.seen[op.ID] = StateFailed
	e.mu.Unlock()

	reason := fmt.Sprintf("%v after %d attempts: %v", ErrRetryExhausted, op.Attempt, cause)
	if err := e.store.AddDeadLetter(recordFromOp(op), reason, now); err != nil {
		e.log.Printf("dead-letter %s: %v", op.ID, err)
	}
	e.forgetPersisted(op.ID)
	e.log.Printf("operation %s moved to dead-letter log: %s", op.ID, reason)
}

// enterOffline switches to offline accumulation: the failed operation and
// everything queued behind it are persisted, and normal dispatch pauses
// until the transport reports reachable.
func (e *Engine) enterOffline(op *Operation) {
	e.mu.Lock()
	op.State = StateQueued
	e.lane.push(op)
	wasOffline := e.offline
	e.offline = true
	pending := e.lane.all()
	e.mu.Unlock()

	if !wasOffline {
		e.log.Printf("transport unreachable, accumulating %d operations offline", len(pending))
	}
	for _, p := range pending {
		if err := e.persistOp(p); err != nil {
			e.log.Printf("persist offline operation %s: %v", p.ID, err)
		}
	}
}

// backoff computes the retry delay: base * 2^attempt, capped.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.backoffBase
	for i := 0; i < attempt && d < e.backoffCap; i++ {
		d *= 2
	}
	if d > e.backoffCap {
		d = e.backoffCap
	}
	return d
}

func (e *Engine) envelope(op *Operation, cfg tier.Config) (transport.Envelope, error) {
	payload := op.Payload
	compressed := false
	if cfg.CompressPayloads {
		var err error
		payload, err = gzipBytes(op.Payload)
		if err != nil {
			return transport.Envelope{}, fmt.Errorf("compress payload: %w", err)
		}
		compressed = true
	}
	return transport.Envelope{
		ID:         op.ID,
		Domain:     string(op.Domain),
		RoutingTag: op.RoutingTag,
		EntityKey:  op.EntityKey,
		Attempt:    op.Attempt,
		CreatedAt:  op.CreatedAt,
		Compressed: compressed,
		Payload:    payload,
	}, nil
}

func (e *Engine) emit(op *Operation, latency time.Duration, success, conflict bool) {
	if e.onOutcome == nil {
		return
	}
	e.onOutcome(monitor.Outcome{
		OperationID: op.ID,
		Domain:      string(op.Domain),
		Tier:        e.gov.CurrentTier(),
		Crisis:      op.Domain == DomainCrisis,
		Latency:     latency,
		Success:     success,
		Conflict:    conflict,
	})
}

func (e *Engine) persistOp(op *Operation) error {
	e.mu.Lock()
	already := e.persisted[op.ID]
	if !already {
		e.persisted[op.ID] = true
	}
	e.mu.Unlock()
	if already {
		return nil
	}
	return e.store.SaveQueued(recordFromOp(op))
}

func (e *Engine) forgetPersisted(id string) {
	e.mu.Lock()
	was := e.persisted[id]
	delete(e.persisted, id)
	e.mu.Unlock()
	if !was {
		return
	}
	if err := e.store.DeleteQueued(id); err != nil {
		e.log.Printf("remove %s from offline queue: %v", id, err)
	}
}

func gzipBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func recordFromOp(op *Operation) store.QueueRecord {
	return store.QueueRecord{
		ID:         op.ID,
		Domain:     string(op.Domain),
		Priority:   int(op.Priority),
		RoutingTag: op.RoutingTag,
		EntityKey:  op.EntityKey,
		Attempt:    op.Attempt,
		CreatedAt:  op.CreatedAt,
		Payload:    op.Payload,
	}
}

func opFromRecord(rec store.QueueRecord) *Operation {
	return &Operation{
		ID:         rec.ID,
		Domain:     Domain(rec.Domain),
		Priority:   PriorityClass(rec.Priority),
		Payload:    rec.Payload,
		RoutingTag: rec.RoutingTag,
		EntityKey:  rec.EntityKey,
		State:      StateQueued,
		Attempt:    rec.Attempt,
		CreatedAt:  rec.CreatedAt,
	}
}
