package teaching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tutor/internal/answer"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/stt"
)

var (
	ErrStoreUnavailable = errors.New("teaching: session store unavailable")
	ErrSessionNotFound  = errors.New("teaching: session not found")
	ErrSessionClosed    = errors.New("teaching: manager closed")
)

const storeCheckTimeout = 3 * time.Second

// FeedFactory opens the speech feed for a new session.
type FeedFactory func(sessionID string) stt.Feed

// StartRequest asks for a new teaching session. Position overrides any
// saved progress.
type StartRequest struct {
	UserID   string
	CourseID string
	Position *course.Position
	Sink     EventSink
}

// Manager tracks live sessions. A user has at most one; starting another
// replaces the first.
type Manager struct {
	deps   Deps
	opts   Options
	store  Store
	feeds  FeedFactory
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Dispatcher
	byUser   map[string]*Dispatcher
}

func NewManager(parent context.Context, deps Deps, opts Options, store Store, feeds FeedFactory, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	if feeds == nil {
		feeds = func(string) stt.Feed { return stt.DisabledFeed{} }
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		store:    store,
		feeds:    feeds,
		logger:   logger.With(slog.String("component", "sessions")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Dispatcher),
		byUser:   make(map[string]*Dispatcher),
	}
}

// Start creates and starts a session. It fails without creating anything
// when the store cannot be reached or the course position does not exist.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Dispatcher, error) {
	if req.UserID == "" || req.CourseID == "" {
		return nil, errors.New("teaching: user_id and course_id are required")
	}
	if req.Sink == nil {
		return nil, errors.New("teaching: event sink is required")
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	seed, err := m.seed(ctx, req)
	if err != nil {
		return nil, err
	}

	seed.SessionID = uuid.NewString()
	d := newDispatcher(m.ctx, seed, m.feeds(seed.SessionID), req.Sink, m.deps, m.opts, m.logger)
	d.onClose = m.unregister

	// Registration happens only once the user has no live session under the
	// same lock, so concurrent starts for one user end up replacing each other.
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			d.cancel()
			return nil, ErrSessionClosed
		}
		prev := m.byUser[req.UserID]
		if prev == nil {
			m.sessions[seed.SessionID] = d
			m.byUser[req.UserID] = d
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		m.logger.Info("replacing session", slog.String("user_id", req.UserID), slog.String("session_id", prev.ID()))
		prev.End("replaced")
		if err := prev.Wait(ctx); err != nil {
			d.cancel()
			return nil, fmt.Errorf("waiting for replaced session: %w", err)
		}
		m.unregister(prev)
	}

	d.start()
	m.logger.Info("session started",
		slog.String("session_id", seed.SessionID),
		slog.String("user_id", req.UserID),
		slog.String("course_id", seed.CourseID),
		slog.Int("module_index", seed.Position.Module),
		slog.Int("topic_index", seed.Position.Topic),
		slog.Int("cursor", seed.Cursor))
	return d, nil
}

// seed checks the store and resolves where the session begins.
func (m *Manager) seed(ctx context.Context, req StartRequest) (Seed, error) {
	seed := Seed{UserID: req.UserID, CourseID: req.CourseID}
	if m.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, storeCheckTimeout)
		defer cancel()
		if err := m.store.Ping(pingCtx); err != nil {
			return Seed{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	if req.Position != nil {
		seed.Position = *req.Position
	} else if m.store != nil {
		snap, ok, err := m.store.LoadSnapshot(ctx, req.UserID, req.CourseID)
		if err != nil {
			return Seed{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if ok && !snap.Finished {
			seed.Position = course.Position{Module: snap.ModuleIndex, Topic: snap.TopicIndex}
			seed.Cursor = snap.Cursor
			seed.TopicMarkedComplete = snap.TopicMarkedComplete
			for _, t := range snap.Context {
				seed.Context = append(seed.Context, answer.Turn{Role: t.Role, Text: t.Text})
			}
		}
	}

	if _, err := m.deps.Curriculum.Topic(req.CourseID, seed.Position); err != nil {
		if errors.Is(err, course.ErrCourseNotFound) || req.Position != nil {
			return Seed{}, err
		}
		m.logger.Warn("saved position no longer exists; starting from the beginning",
			slog.String("user_id", req.UserID), slog.String("course_id", req.CourseID))
		seed = Seed{UserID: req.UserID, CourseID: req.CourseID}
	}
	return seed, nil
}

func (m *Manager) unregister(d *Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[d.ID()] == d {
		delete(m.sessions, d.ID())
	}
	if m.byUser[d.session.UserID] == d {
		delete(m.byUser, d.session.UserID)
	}
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Dispatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return d, nil
}

// End asks a session to tear down and waits for it.
func (m *Manager) End(ctx context.Context, id, reason string) error {
	d, err := m.Get(id)
	if err != nil {
		return err
	}
	d.End(reason)
	return d.Wait(ctx)
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close ends every session and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	live := make([]*Dispatcher, 0, len(m.sessions))
	for _, d := range m.sessions {
		live = append(live, d)
	}
	m.mu.Unlock()

	for _, d := range live {
		d.End("shutdown")
	}
	for _, d := range live {
		<-d.Done()
		d.wg.Wait()
	}
	m.cancel()
}
