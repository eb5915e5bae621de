package teaching

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/stt"
)

// Listener forwards a session's speech feed into its dispatcher.
type Listener struct {
	feed   stt.Feed
	submit func(Trigger) bool
	clock  func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewListener(feed stt.Feed, submit func(Trigger) bool, clock func() time.Time, logger *slog.Logger) *Listener {
	if clock == nil {
		clock = time.Now
	}
	return &Listener{
		feed:   feed,
		submit: submit,
		clock:  clock,
		logger: logger.With(slog.String("component", "listener")),
		done:   make(chan struct{}),
	}
}

// Start opens the feed. It returns false when speech input is unavailable,
// in which case Stop has nothing to release.
func (l *Listener) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return l.started
	}
	if !l.feed.Start(ctx) {
		close(l.done)
		return false
	}
	l.started = true
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.run(runCtx)
	return true
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	events := l.feed.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				l.logger.Info("speech feed closed")
				return
			}
			l.forward(ev)
		}
	}
}

func (l *Listener) forward(ev stt.Event) {
	at := ev.At
	if at.IsZero() {
		at = l.clock()
	}
	var trig Trigger
	switch ev.Kind {
	case protocol.SpeechStarted:
		trig = Trigger{Kind: TriggerSpeechStarted, At: at}
	case protocol.SpeechFinal:
		if ev.Text == "" {
			return
		}
		trig = Trigger{Kind: TriggerFinalTranscript, Text: ev.Text, At: at}
	default:
		return
	}
	if !l.submit(trig) {
		l.logger.Debug("speech event after session end", slog.String("kind", string(ev.Kind)))
	}
}

// Stop ends forwarding and closes the feed exactly once. It is safe to call
// more than once and before Start.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()

	if !started {
		return
	}
	l.cancel()
	if err := l.feed.Close(); err != nil {
		l.logger.Warn("closing speech feed failed", slogError(err))
	}
	<-l.done
}

// Running reports whether the listener is still consuming its feed.
func (l *Listener) Running() bool {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}
