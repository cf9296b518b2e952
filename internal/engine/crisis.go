package engine

import (
	"context"
	"errors"
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
	"github.com/MP2EZ/being-sync/internal/transport"
)

// crisisLoop consumes the immediate lane. It is never gated by the
// concurrency cap, the usage limits, the circuit breaker, or offline
// accumulation: a crisis operation keeps attempting until it lands or the
// engine shuts down, and its journal entry survives a shutdown for
// recovery. Each operation drains on its own goroutine so one stuck
// operation never delays the next.
func (e *Engine) crisisLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case op := <-e.crisisCh:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.runCrisis(op)
			}()
		}
	}
}

// runCrisis retries one crisis operation until it succeeds. Every attempt
// runs under the hard crisis ceiling; a slow attempt is cut off at the
// ceiling and retried immediately, never abandoned.
func (e *Engine) runCrisis(op *Operation) {
	preserve := false
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		start := time.Now()
		op.State = StateDispatched
		op.Attempt++
		op.LastAttemptAt = start
		e.gov.Meter().TrackOp(start, true)
		e.gov.Meter().TrackBytes(start, int64(len(op.Payload)))

		env := transport.Envelope{
			ID:         op.ID,
			Domain:     string(op.Domain),
			RoutingTag: op.RoutingTag,
			EntityKey:  op.EntityKey,
			Attempt:    op.Attempt,
			CreatedAt:  op.CreatedAt,
			Preserve:   preserve,
			Payload:    op.Payload,
		}
		ctx, cancel := context.WithTimeout(e.ctx, tier.CrisisLatencyTarget)
		res, err := e.transport.Send(ctx, env)
		cancel()
		latency := time.Since(start)

		switch {
		case err == nil && res.Status == transport.StatusOK:
			e.mu.Lock()
			op.State = StateSucceeded
			e.seen[op.ID] = StateSucceeded
			e.lastSync = time.Now()
			e.crisisPending--
			e.mu.Unlock()
			if rerr := e.store.ResolveCrisis(op.ID); rerr != nil {
				e.log.Printf("mark crisis %s resolved: %v", op.ID, rerr)
			}
			e.emit(op, latency, true, preserve)
			return
		case err == nil && res.Status == transport.StatusConflict:
			// Crisis data is never merged or overwritten: resend asking
			// the remote to preserve both records.
			preserve = true
			e.emit(op, latency, false, true)
		default:
			if errors.Is(err, context.Canceled) {
				return
			}
			op.State = StateQueued
			e.emit(op, latency, false, false)
			e.log.Printf("crisis dispatch %s attempt %d failed: status=%s err=%v", op.ID, op.Attempt, res.Status, err)
		}

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.crisisPacing):
		}
	}
}
