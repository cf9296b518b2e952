package engine

import (
	"sort"
	"time"
)

// lane holds the normal-lane operations awaiting dispatch. Crisis
// operations never enter the lane; they go straight to the immediate
// channel. Callers hold the engine mutex.
type lane struct {
	ops []*Operation
}

func (l *lane) push(op *Operation) {
	l.ops = append(l.ops, op)
}

func (l *lane) len() int {
	return len(l.ops)
}

func (l *lane) all() []*Operation {
	out := make([]*Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

// remove drops the operation with the given id, if present.
func (l *lane) remove(id string) {
	for i, op := range l.ops {
		if op.ID == id {
			l.ops = append(l.ops[:i], l.ops[i+1:]...)
			return
		}
	}
}

// selectReady applies the fairness valve, then pops up to max operations
// in dispatch order: higher effective priority first, oldest first within
// a class. Operations still inside a backoff window are skipped.
func (l *lane) selectReady(now time.Time, max int, maxWait time.Duration) []*Operation {
	if max <= 0 || len(l.ops) == 0 {
		return nil
	}

	// Fairness valve: an operation that has waited longer than maxWait
	// climbs one class per selection scan, up to immediate.
	if maxWait > 0 {
		for _, op := range l.ops {
			waited := now.Sub(op.CreatedAt)
			if waited > maxWait*time.Duration(op.promoted+1) && op.EffectivePriority() < PriorityImmediate {
				op.promoted++
			}
		}
	}

	sort.SliceStable(l.ops, func(i, j int) bool {
		pi, pj := l.ops[i].EffectivePriority(), l.ops[j].EffectivePriority()
		if pi != pj {
			return pi > pj
		}
		return l.ops[i].CreatedAt.Before(l.ops[j].CreatedAt)
	})

	var picked []*Operation
	rest := l.ops[:0]
	for _, op := range l.ops {
		if len(picked) < max && op.ReadyAt(now) {
			picked = append(picked, op)
			continue
		}
		rest = append(rest, op)
	}
	l.ops = rest
	return picked
}
