package teaching

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type triggerLog struct {
	mu    sync.Mutex
	kinds []TriggerKind
	open  bool
}

func (l *triggerLog) submit(t Trigger) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, t.Kind)
	return l.open
}

func (l *triggerLog) got() []TriggerKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TriggerKind(nil), l.kinds...)
}

func newIdleFixture(warning, timeout time.Duration) (*IdleMonitor, *fakeClock, *triggerLog) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	log := &triggerLog{open: true}
	m := NewIdleMonitor(warning, timeout, time.Hour, clock.Now, log.submit, newLogger())
	m.last = clock.Now()
	return m, clock, log
}

func TestIdleWarnsOnceThenTimesOut(t *testing.T) {
	m, clock, log := newIdleFixture(time.Minute, 3*time.Minute)

	if m.check(clock.advance(30 * time.Second)) {
		t.Fatal("monitor finished early")
	}
	m.check(clock.advance(31 * time.Second))
	m.check(clock.advance(10 * time.Second))
	if got := log.got(); len(got) != 1 || got[0] != TriggerIdleWarning {
		t.Fatalf("expected a single warning, got %v", got)
	}
	if !m.check(clock.advance(2 * time.Minute)) {
		t.Fatal("monitor should finish after the timeout")
	}
	if got := log.got(); len(got) != 2 || got[1] != TriggerIdleTimeout {
		t.Fatalf("expected warning then timeout, got %v", got)
	}
	if !m.check(clock.advance(time.Hour)) || len(log.got()) != 2 {
		t.Fatal("timeout must fire once")
	}
}

func TestIdleActivityRearmsWarning(t *testing.T) {
	m, clock, log := newIdleFixture(time.Minute, 3*time.Minute)

	m.check(clock.advance(2 * time.Minute))
	m.Sync(clock.Now(), false)
	if m.check(clock.advance(2 * time.Minute)) {
		t.Fatal("activity should have reset the timeout")
	}
	got := log.got()
	if len(got) != 2 || got[0] != TriggerIdleWarning || got[1] != TriggerIdleWarning {
		t.Fatalf("expected a fresh warning after activity, got %v", got)
	}
}

func TestIdleClockHeldWhileBusy(t *testing.T) {
	m, clock, log := newIdleFixture(time.Minute, 3*time.Minute)

	m.Sync(time.Time{}, true)
	m.check(clock.advance(10 * time.Minute))
	if got := log.got(); len(got) != 0 {
		t.Fatalf("no trigger expected while busy, got %v", got)
	}

	m.Sync(time.Time{}, false)
	m.check(clock.advance(59 * time.Second))
	if got := log.got(); len(got) != 0 {
		t.Fatalf("clock should restart when output ends, got %v", got)
	}
	m.check(clock.advance(2 * time.Second))
	if got := log.got(); len(got) != 1 {
		t.Fatalf("expected a warning a minute after output ended, got %v", got)
	}
}

func TestIdleTimeoutRequiresWarning(t *testing.T) {
	m, clock, log := newIdleFixture(time.Minute, 3*time.Minute)

	// One long gap warns first; the timeout comes on a later check.
	if m.check(clock.advance(time.Hour)) {
		t.Fatal("timeout fired without a prior warning")
	}
	if !m.check(clock.advance(time.Second)) {
		t.Fatal("timeout should follow the warning")
	}
	if got := log.got(); len(got) != 2 {
		t.Fatalf("unexpected triggers %v", got)
	}
}

func TestIdleStopsWhenSessionGone(t *testing.T) {
	m, clock, log := newIdleFixture(time.Minute, 3*time.Minute)
	log.open = false
	if !m.check(clock.advance(2 * time.Minute)) {
		t.Fatal("monitor should stop once the dispatcher refuses triggers")
	}
}

func TestIdleDisabledWithoutTimeout(t *testing.T) {
	log := &triggerLog{open: true}
	m := NewIdleMonitor(time.Minute, 0, time.Millisecond, time.Now, log.submit, newLogger())
	m.Start(context.Background(), time.Now())
	if m.Running() {
		t.Fatal("disabled monitor must not run")
	}
	m.Stop()
}

func TestIdleStartStop(t *testing.T) {
	log := &triggerLog{open: true}
	m := NewIdleMonitor(time.Hour, 2*time.Hour, time.Millisecond, time.Now, log.submit, newLogger())
	m.Start(context.Background(), time.Now())
	if !m.Running() {
		t.Fatal("monitor should be running")
	}
	m.Stop()
	m.Stop()
	if m.Running() {
		t.Fatal("monitor still running after Stop")
	}
}
