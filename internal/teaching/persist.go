package teaching

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/eventstore"
)

// Store is what the orchestrator needs from persistence.
type Store interface {
	Ping(ctx context.Context) error
	LoadSnapshot(ctx context.Context, userID, courseID string) (eventstore.Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error
	AppendTurn(ctx context.Context, sessionID string, turn eventstore.Turn) error
	MarkTopicComplete(ctx context.Context, userID, courseID string, ref eventstore.TopicRef) error
	MarkCourseComplete(ctx context.Context, userID, courseID string) error
}

const persistTimeout = 5 * time.Second

type persistJob struct {
	name string
	run  func(ctx context.Context, store Store) error
}

// Persister is a write-behind Recorder: dispatchers enqueue without blocking
// and a single worker applies the writes in order. When the queue is full the
// write is dropped and counted.
type Persister struct {
	store  Store
	logger *slog.Logger
	jobs   chan persistJob

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

func NewPersister(store Store, queue int, logger *slog.Logger) *Persister {
	if queue <= 0 {
		queue = 256
	}
	p := &Persister{
		store:  store,
		logger: logger.With(slog.String("component", "persister")),
		jobs:   make(chan persistJob, queue),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Persister) run() {
	defer close(p.done)
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := job.run(ctx, p.store); err != nil {
			p.logger.Warn("persist failed", slog.String("op", job.name), slogError(err))
		}
		cancel()
	}
}

func (p *Persister) enqueue(name string, fn func(ctx context.Context, store Store) error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.jobs <- persistJob{name: name, run: fn}:
	default:
		p.dropped.Add(1)
		p.logger.Warn("persist queue full; dropping write", slog.String("op", name))
	}
}

func (p *Persister) SaveSnapshot(snap eventstore.Snapshot) {
	p.enqueue("save_snapshot", func(ctx context.Context, s Store) error {
		return s.SaveSnapshot(ctx, snap)
	})
}

func (p *Persister) AppendTurn(sessionID string, turn eventstore.Turn) {
	p.enqueue("append_turn", func(ctx context.Context, s Store) error {
		return s.AppendTurn(ctx, sessionID, turn)
	})
}

func (p *Persister) MarkTopicComplete(userID, courseID string, ref eventstore.TopicRef) {
	p.enqueue("mark_topic", func(ctx context.Context, s Store) error {
		return s.MarkTopicComplete(ctx, userID, courseID, ref)
	})
}

func (p *Persister) MarkCourseComplete(userID, courseID string) {
	p.enqueue("mark_course", func(ctx context.Context, s Store) error {
		return s.MarkCourseComplete(ctx, userID, courseID)
	})
}

// Dropped reports how many writes were discarded because the queue was full.
func (p *Persister) Dropped() int64 { return p.dropped.Load() }

// Close stops accepting writes and waits until queued ones are applied.
func (p *Persister) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	<-p.done
}
