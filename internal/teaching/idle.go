package teaching

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// IdleMonitor watches a session's last activity and submits one warning and
// then one timeout trigger. The clock is held while the session is busy
// speaking or answering.
type IdleMonitor struct {
	warning time.Duration
	timeout time.Duration
	every   time.Duration
	clock   func() time.Time
	submit  func(Trigger) bool
	logger  *slog.Logger

	mu     sync.Mutex
	last   time.Time
	busy   bool
	warned bool
	fired  bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIdleMonitor returns a monitor; a non-positive timeout disables it.
func NewIdleMonitor(warning, timeout, every time.Duration, clock func() time.Time, submit func(Trigger) bool, logger *slog.Logger) *IdleMonitor {
	if clock == nil {
		clock = time.Now
	}
	if every <= 0 {
		every = time.Second
	}
	if warning <= 0 || warning > timeout {
		warning = timeout
	}
	return &IdleMonitor{
		warning: warning,
		timeout: timeout,
		every:   every,
		clock:   clock,
		submit:  submit,
		logger:  logger.With(slog.String("component", "idle")),
	}
}

func (m *IdleMonitor) Start(ctx context.Context, last time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeout <= 0 || m.done != nil {
		return
	}
	m.last = last
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)
}

func (m *IdleMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.check(m.clock()) {
				return
			}
		}
	}
}

// check evaluates the idle clock once and reports whether the monitor is done.
func (m *IdleMonitor) check(now time.Time) bool {
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		return true
	}
	if m.busy {
		m.mu.Unlock()
		return false
	}
	idle := now.Sub(m.last)
	var trig Trigger
	switch {
	case !m.warned && idle >= m.warning:
		m.warned = true
		trig = Trigger{Kind: TriggerIdleWarning, At: now}
	case m.warned && idle >= m.timeout:
		m.fired = true
		trig = Trigger{Kind: TriggerIdleTimeout, At: now}
	default:
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.logger.Debug("idle threshold reached", slog.String("trigger", string(trig.Kind)), slog.Duration("idle", idle))
	if !m.submit(trig) {
		return true
	}
	return trig.Kind == TriggerIdleTimeout
}

// Sync records the session's last activity and whether it is busy. New
// activity re-arms the warning; leaving a busy stretch restarts the clock.
func (m *IdleMonitor) Sync(last time.Time, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last.After(m.last) {
		m.last = last
		m.warned = false
	}
	if m.busy && !busy {
		if now := m.clock(); now.After(m.last) {
			m.last = now
		}
	}
	m.busy = busy
}

// Stop cancels the monitor and waits for its goroutine.
func (m *IdleMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the monitor goroutine is alive.
func (m *IdleMonitor) Running() bool {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
