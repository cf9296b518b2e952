package transport

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Transport with a scriptable failure plan. It
// backs package tests and the loadtest harness.
//
// By default every Send succeeds immediately. Tests can inject latency,
// fail the next N sends, report the network down, or return a conflict for
// chosen entity keys.
type Memory struct {
	mu sync.Mutex

	latency   time.Duration
	failNext  int
	down      bool
	conflicts map[string][]RemoteRecord

	sent    []Envelope
	applied map[string]bool // entity keys applied, keyed by envelope ID for dedup
}

// NewMemory creates a Memory transport that accepts everything.
func NewMemory() *Memory {
	return &Memory{
		conflicts: make(map[string][]RemoteRecord),
		applied:   make(map[string]bool),
	}
}

// SetLatency makes every Send take d before answering.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailNext makes the next n sends return StatusError.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// SetDown toggles network reachability. While down, Send returns
// ErrUnreachable.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// ConflictOn makes sends for entityKey return StatusConflict carrying the
// given remote records.
func (m *Memory) ConflictOn(entityKey string, remote []RemoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[entityKey] = remote
}

// ClearConflict removes a scripted conflict.
func (m *Memory) ClearConflict(entityKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conflicts, entityKey)
}

// Sent returns a copy of every envelope accepted so far (including failed
// and conflicted sends).
func (m *Memory) Sent() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

// AppliedCount returns how many distinct envelope IDs the remote store
// applied. Duplicate IDs count once; tests use this to verify dedup.
func (m *Memory) AppliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

// Send implements Transport.Send.
func (m *Memory) Send(ctx context.Context, env Envelope) (Result, error) {
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return Result{}, ErrUnreachable
	}

	m.sent = append(m.sent, env)

	if m.failNext > 0 {
		m.failNext--
		return Result{Status: StatusError, Detail: "scripted failure"}, nil
	}

	// Force and Preserve bypass the version check, as a real remote would.
	if remote, ok := m.conflicts[env.EntityKey]; ok && !env.Force && !env.Preserve {
		return Result{Status: StatusConflict, Remote: remote}, nil
	}

	m.applied[env.ID] = true
	return Result{Status: StatusOK}, nil
}

// Reachable implements Transport.Reachable.
func (m *Memory) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}
