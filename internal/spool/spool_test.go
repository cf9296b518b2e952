package spool

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MP2EZ/being-sync/internal/engine"
	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/tier"
)

type fakeEngine struct {
	mu  sync.Mutex
	ops []*engine.Operation
	ids map[string]bool
}

func (f *fakeEngine) Enqueue(op *engine.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = make(map[string]bool)
	}
	if f.ids[op.ID] {
		return engine.ErrDuplicate
	}
	f.ids[op.ID] = true
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeEngine) all() []*engine.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*engine.Operation, len(f.ops))
	copy(out, f.ops)
	return out
}

type fakeBilling struct {
	mu     sync.Mutex
	states []tier.BillingState
}

func (f *fakeBilling) HandleBillingEvent(state tier.BillingState, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeBilling) all() []tier.BillingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tier.BillingState, len(f.states))
	copy(out, f.states)
	return out
}

type fakeUsage struct {
	mu     sync.Mutex
	counts []int
}

func (f *fakeUsage) TrackDevice(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, count)
}

func (f *fakeUsage) last() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.counts) == 0 {
		return 0
	}
	return f.counts[len(f.counts)-1]
}

type spoolEnv struct {
	dir     string
	watcher *Watcher
	eng     *fakeEngine
	billing *fakeBilling
	usage   *fakeUsage
}

func newSpoolEnv(t *testing.T) *spoolEnv {
	t.Helper()

	env := &spoolEnv{
		dir:     t.TempDir(),
		eng:     &fakeEngine{},
		billing: &fakeBilling{},
		usage:   &fakeUsage{},
	}
	w, err := New(Config{
		Dir:              env.dir,
		Engine:           env.eng,
		Governor:         env.billing,
		Usage:            env.usage,
		Sealer:           seal.Plain{},
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	env.watcher = w
	return env
}

func (env *spoolEnv) start(t *testing.T) {
	t.Helper()
	if err := env.watcher.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(func() { _ = env.watcher.Stop() })
}

func (env *spoolEnv) writeCapture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(env.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func captureJSON(id, kind string, extra string) string {
	base := fmt.Sprintf(`"id": %q, "kind": %q, "entity_key": "e1", "body": {"mood": 4}`, id, kind)
	if extra != "" {
		base += ", " + extra
	}
	return "{" + base + "}"
}

func TestWatcherIngestsNewCaptures(t *testing.T) {
	env := newSpoolEnv(t)
	env.start(t)

	env.writeCapture(t, "c1.json", captureJSON("c1", "check-in", `"routing_tag": "checkin/v2"`))

	waitFor(t, "capture enqueue", func() bool { return len(env.eng.all()) == 1 })
	op := env.eng.all()[0]
	if op.ID != "c1" {
		t.Errorf("operation ID = %s, want the capture ID", op.ID)
	}
	if op.Domain != engine.DomainCheckIn {
		t.Errorf("domain = %s", op.Domain)
	}
	if op.Priority != engine.PriorityNormal {
		t.Errorf("priority = %s, want normal default", op.Priority)
	}
	if op.RoutingTag != "checkin/v2" {
		t.Errorf("routing tag = %s", op.RoutingTag)
	}

	waitFor(t, "archive", func() bool {
		_, err := os.Stat(filepath.Join(env.dir, "archive", "c1.json"))
		return err == nil
	})
}

func TestStartIngestsLeftoverFiles(t *testing.T) {
	env := newSpoolEnv(t)
	env.writeCapture(t, "old.json", captureJSON("old", "profile", ""))
	env.start(t)

	ops := env.eng.all()
	if len(ops) != 1 {
		t.Fatalf("ops = %d, leftover spool files ingest on start", len(ops))
	}
	if ops[0].Domain != engine.DomainProfile {
		t.Errorf("domain = %s", ops[0].Domain)
	}
}

func TestCrisisFlaggedAssessmentSyncsOnCrisisPath(t *testing.T) {
	env := newSpoolEnv(t)
	env.writeCapture(t, "a1.json", captureJSON("a1", "assessment", `"is_crisis": true`))
	env.start(t)

	ops := env.eng.all()
	if len(ops) != 1 {
		t.Fatalf("ops = %d, want 1", len(ops))
	}
	if ops[0].Domain != engine.DomainCrisis {
		t.Errorf("domain = %s, a crisis-flagged assessment syncs as crisis", ops[0].Domain)
	}
	if ops[0].Priority != engine.PriorityImmediate {
		t.Errorf("priority = %s, want immediate", ops[0].Priority)
	}
}

func TestBillingTransitionRoutesToGovernor(t *testing.T) {
	env := newSpoolEnv(t)
	env.writeCapture(t, "b1.json",
		`{"id": "b1", "kind": "billing", "entity_key": "sub", "billing_state": "past_due"}`)
	env.start(t)

	states := env.billing.all()
	if len(states) != 1 || states[0] != tier.BillingPastDue {
		t.Fatalf("billing states = %v, want [past_due]", states)
	}
	// A bare transition carries no body; nothing reaches the engine.
	if got := len(env.eng.all()); got != 0 {
		t.Errorf("ops = %d, want 0 for a bare billing transition", got)
	}
}

func TestBillingCaptureWithBodyAlsoSyncs(t *testing.T) {
	env := newSpoolEnv(t)
	env.writeCapture(t, "b2.json", captureJSON("b2", "billing", `"billing_state": "active"`))
	env.start(t)

	if states := env.billing.all(); len(states) != 1 || states[0] != tier.BillingActive {
		t.Fatalf("billing states = %v", states)
	}
	ops := env.eng.all()
	if len(ops) != 1 || ops[0].Domain != engine.DomainBilling {
		t.Fatalf("ops = %v, want one billing operation", ops)
	}
}

func TestMalformedCaptureIsRejectedAside(t *testing.T) {
	env := newSpoolEnv(t)
	env.writeCapture(t, "bad.json", `{not json`)
	env.start(t)

	if _, err := os.Stat(filepath.Join(env.dir, "rejected", "bad.json")); err != nil {
		t.Fatalf("rejected file not moved aside: %v", err)
	}
	if got := len(env.eng.all()); got != 0 {
		t.Errorf("ops = %d, want 0", got)
	}
}

func TestUnknownKindIsRejected(t *testing.T) {
	env := newSpoolEnv(t)
	env.writeCapture(t, "x.json", captureJSON("x", "diary", ""))
	env.start(t)

	if _, err := os.Stat(filepath.Join(env.dir, "rejected", "x.json")); err != nil {
		t.Fatalf("invalid capture not moved aside: %v", err)
	}
}

func TestDuplicateCaptureEnqueuesOnce(t *testing.T) {
	env := newSpoolEnv(t)
	env.start(t)

	content := captureJSON("dup", "check-in", "")
	env.writeCapture(t, "dup1.json", content)
	waitFor(t, "first enqueue", func() bool { return len(env.eng.all()) == 1 })

	env.writeCapture(t, "dup2.json", content)
	waitFor(t, "second file archived", func() bool {
		_, err := os.Stat(filepath.Join(env.dir, "archive", "dup2.json"))
		return err == nil
	})

	if got := len(env.eng.all()); got != 1 {
		t.Errorf("ops = %d, duplicate capture ID must enqueue once", got)
	}
}

func TestCapturePriorityMapping(t *testing.T) {
	cases := []struct {
		requested string
		want      engine.PriorityClass
	}{
		{"low", engine.PriorityLow},
		{"", engine.PriorityNormal},
		{"high", engine.PriorityHigh},
		{"immediate", engine.PriorityImmediate},
		{"urgent", engine.PriorityNormal},
	}
	for _, tc := range cases {
		c := Capture{Priority: tc.requested}
		if got := c.priority(); got != tc.want {
			t.Errorf("priority(%q) = %s, want %s", tc.requested, got, tc.want)
		}
	}
}

func TestWatcherConfigValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New accepted an empty config")
	}
	if _, err := New(Config{Dir: "/tmp/x", Engine: &fakeEngine{}, Governor: &fakeBilling{}}); err == nil {
		t.Error("New accepted a config without a sealer")
	}
}

func TestDistinctDevicesFeedUsageMeter(t *testing.T) {
	env := newSpoolEnv(t)
	env.start(t)

	capture := func(id, device string) string {
		return fmt.Sprintf(`{"id":%q,"kind":"check-in","entity_key":"e1","device_id":%q,"body":{"mood":3}}`, id, device)
	}
	env.writeCapture(t, "a.json", capture("cap-a", "phone"))
	env.writeCapture(t, "b.json", capture("cap-b", "tablet"))
	env.writeCapture(t, "c.json", capture("cap-c", "phone"))

	waitFor(t, "three captures enqueued", func() bool {
		return len(env.eng.all()) == 3
	})

	// Two distinct devices; the repeat does not inflate the count.
	if got := env.usage.last(); got != 2 {
		t.Errorf("tracked device count = %d, want 2", got)
	}
}
