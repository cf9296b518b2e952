package tier

import (
	"sync"
	"time"
)

// Meter counts per-day usage. Counters reset when the day boundary is
// crossed; the engine increments on dispatch, the governor validates and
// enforces.
type Meter struct {
	mu sync.Mutex

	day              time.Time // midnight of the current counting day
	opsToday         int
	crisisOpsToday   int
	devicesConnected int
	sessionsActive   int
	bytesToday       int64
}

// Snapshot is a point-in-time copy of the meter, safe to persist or report.
type Snapshot struct {
	Day              time.Time `json:"day"`
	OpsToday         int       `json:"ops_today"`
	CrisisOpsToday   int       `json:"crisis_ops_today"`
	DevicesConnected int       `json:"devices_connected"`
	SessionsActive   int       `json:"sessions_active"`
	BytesToday       int64     `json:"bytes_today"`
}

// NewMeter creates a meter counting from now's day.
func NewMeter(now time.Time) *Meter {
	return &Meter{day: midnight(now)}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// rollLocked resets daily counters when the day boundary has passed.
// Caller holds mu.
func (m *Meter) rollLocked(now time.Time) {
	if day := midnight(now); day.After(m.day) {
		m.day = day
		m.opsToday = 0
		m.crisisOpsToday = 0
		m.bytesToday = 0
	}
}

// TrackOp counts a dispatched operation. Crisis operations are counted
// separately for observability; they are never gated by the daily cap.
func (m *Meter) TrackOp(now time.Time, crisis bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked(now)
	m.opsToday++
	if crisis {
		m.crisisOpsToday++
	}
}

// TrackBytes counts payload bytes transferred.
func (m *Meter) TrackBytes(now time.Time, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked(now)
	m.bytesToday += n
}

// TrackDevice records the current connected device count.
func (m *Meter) TrackDevice(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devicesConnected = count
}

// TrackSession records the current active session count.
func (m *Meter) TrackSession(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsActive = count
}

// Snapshot returns a copy of the current counters after rolling the day.
func (m *Meter) Snapshot(now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked(now)
	return Snapshot{
		Day:              m.day,
		OpsToday:         m.opsToday,
		CrisisOpsToday:   m.crisisOpsToday,
		DevicesConnected: m.devicesConnected,
		SessionsActive:   m.sessionsActive,
		BytesToday:       m.bytesToday,
	}
}

// Restore replaces the counters from a persisted snapshot. Snapshots from a
// previous day are discarded (the day has already rolled).
func (m *Meter) Restore(now time.Time, s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if midnight(now).After(s.Day) {
		return
	}
	m.day = s.Day
	m.opsToday = s.OpsToday
	m.crisisOpsToday = s.CrisisOpsToday
	m.devicesConnected = s.DevicesConnected
	m.sessionsActive = s.SessionsActive
	m.bytesToday = s.BytesToday
}
