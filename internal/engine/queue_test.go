package engine

import (
	"testing"
	"time"
)

func laneOp(id string, priority PriorityClass, createdAt time.Time) *Operation {
	return &Operation{
		ID:        id,
		Domain:    DomainCheckIn,
		Priority:  priority,
		Payload:   []byte(`{}`),
		State:     StateQueued,
		CreatedAt: createdAt,
	}
}

func TestLaneSelectsByPriorityThenAge(t *testing.T) {
	now := time.Now()
	l := &lane{}
	l.push(laneOp("normal-old", PriorityNormal, now.Add(-3*time.Second)))
	l.push(laneOp("low", PriorityLow, now.Add(-4*time.Second)))
	l.push(laneOp("high-new", PriorityHigh, now.Add(-time.Second)))
	l.push(laneOp("high-old", PriorityHigh, now.Add(-2*time.Second)))

	picked := l.selectReady(now, 4, 0)
	want := []string{"high-old", "high-new", "normal-old", "low"}
	if len(picked) != len(want) {
		t.Fatalf("selected %d operations, want %d", len(picked), len(want))
	}
	for i, id := range want {
		if picked[i].ID != id {
			t.Errorf("picked[%d] = %s, want %s", i, picked[i].ID, id)
		}
	}
	if l.len() != 0 {
		t.Errorf("lane still holds %d operations", l.len())
	}
}

func TestLaneSkipsBackoffWindows(t *testing.T) {
	now := time.Now()
	l := &lane{}
	waiting := laneOp("waiting", PriorityHigh, now.Add(-time.Second))
	waiting.notBefore = now.Add(time.Minute)
	ready := laneOp("ready", PriorityNormal, now)
	l.push(waiting)
	l.push(ready)

	picked := l.selectReady(now, 2, 0)
	if len(picked) != 1 || picked[0].ID != "ready" {
		t.Fatalf("picked = %+v, want only the ready operation", picked)
	}
	if l.len() != 1 {
		t.Errorf("lane len = %d, want the waiting operation retained", l.len())
	}
}

func TestFairnessValvePromotesStarvedOperations(t *testing.T) {
	maxWait := time.Second
	now := time.Now()
	l := &lane{}
	starved := laneOp("starved-low", PriorityLow, now.Add(-10*time.Second))
	l.push(starved)
	l.push(laneOp("high-1", PriorityHigh, now.Add(-100*time.Millisecond)))
	l.push(laneOp("high-2", PriorityHigh, now.Add(-50*time.Millisecond)))

	// Scan 1: the starved op climbs to normal, still behind high.
	picked := l.selectReady(now, 1, maxWait)
	if picked[0].ID != "high-1" {
		t.Fatalf("scan 1 picked %s, want high-1", picked[0].ID)
	}
	// Scan 2: it climbs to high. Within the high class it is oldest,
	// so it now beats the fresher high op.
	picked = l.selectReady(now, 1, maxWait)
	if picked[0].ID != "starved-low" {
		t.Fatalf("scan 2 picked %s, want the promoted starved op", picked[0].ID)
	}
	if got := starved.EffectivePriority(); got != PriorityHigh {
		t.Errorf("effective priority = %s, want high", got)
	}
	if starved.Priority != PriorityLow {
		t.Errorf("base priority = %s, promotion must not rewrite it", starved.Priority)
	}
}

func TestLaneRespectsBudget(t *testing.T) {
	now := time.Now()
	l := &lane{}
	for i := 0; i < 5; i++ {
		l.push(laneOp(string(rune('a'+i)), PriorityNormal, now.Add(time.Duration(i)*time.Millisecond)))
	}
	picked := l.selectReady(now, 2, 0)
	if len(picked) != 2 {
		t.Fatalf("picked %d, want 2", len(picked))
	}
	if l.len() != 3 {
		t.Errorf("lane len = %d, want 3", l.len())
	}
}
