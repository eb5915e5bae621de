package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one entry of a session's timeline: a conversation turn or a phase change.
type Event struct {
	ID        int64
	SessionID string
	UserID    string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Turn is one conversation exchange kept in a snapshot.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Snapshot is the write-behind copy of a teaching session, used to resume
// after a reconnect. It is never authoritative while the session is live.
type Snapshot struct {
	SessionID           string
	UserID              string
	CourseID            string
	ModuleIndex         int
	TopicIndex          int
	Phase               string
	Cursor              int
	Pending             string
	TopicMarkedComplete bool
	Context             []Turn
	Finished            bool
	Ended               bool
	UpdatedAt           time.Time
}

// TopicRef identifies a topic inside a course.
type TopicRef struct {
	ModuleIndex int
	TopicIndex  int
}

// Store wraps the SQLite-backed session, timeline and progress tables.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps no
// database and every write is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    course_id TEXT NOT NULL,
    module_index INTEGER NOT NULL DEFAULT 0,
    topic_index INTEGER NOT NULL DEFAULT 0,
    phase TEXT NOT NULL,
    cursor INTEGER NOT NULL DEFAULT 0,
    pending TEXT,
    topic_marked INTEGER NOT NULL DEFAULT 0,
    context TEXT,
    finished INTEGER NOT NULL DEFAULT 0,
    ended INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_course ON sessions(user_id, course_id, updated_at);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    user_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS topic_progress (
    user_id TEXT NOT NULL,
    course_id TEXT NOT NULL,
    module_index INTEGER NOT NULL,
    topic_index INTEGER NOT NULL,
    completed_at INTEGER NOT NULL,
    PRIMARY KEY(user_id, course_id, module_index, topic_index)
);
CREATE TABLE IF NOT EXISTS course_progress (
    user_id TEXT NOT NULL,
    course_id TEXT NOT NULL,
    completed_at INTEGER NOT NULL,
    PRIMARY KEY(user_id, course_id)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() int64 {
	return s.clock().UTC().UnixMilli()
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the latest view of a session.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if s.disabled() {
		return nil
	}
	contextJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, user_id, course_id, module_index, topic_index, phase, cursor, pending,
		                      topic_marked, context, finished, ended, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   course_id=excluded.course_id, module_index=excluded.module_index, topic_index=excluded.topic_index,
		   phase=excluded.phase, cursor=excluded.cursor, pending=excluded.pending,
		   topic_marked=excluded.topic_marked, context=excluded.context,
		   finished=excluded.finished, ended=excluded.ended, updated_at=excluded.updated_at`,
		snap.SessionID, snap.UserID, snap.CourseID, snap.ModuleIndex, snap.TopicIndex, snap.Phase, snap.Cursor,
		snap.Pending, boolInt(snap.TopicMarkedComplete), string(contextJSON), boolInt(snap.Finished),
		boolInt(snap.Ended), now, now)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

// LoadSnapshot returns the most recent snapshot for userID. An empty courseID
// matches any course.
func (s *Store) LoadSnapshot(ctx context.Context, userID, courseID string) (Snapshot, bool, error) {
	if s.disabled() {
		return Snapshot{}, false, nil
	}
	query := `SELECT session_id, user_id, course_id, module_index, topic_index, phase, cursor, pending,
	                 topic_marked, context, finished, ended, updated_at
	          FROM sessions WHERE user_id = ?`
	args := []any{userID}
	if courseID != "" {
		query += ` AND course_id = ?`
		args = append(args, courseID)
	}
	query += ` ORDER BY updated_at DESC, rowid DESC LIMIT 1`

	var (
		snap                    Snapshot
		pending, contextJSON    sql.NullString
		marked, finished, ended int
		updated                 int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&snap.SessionID, &snap.UserID, &snap.CourseID, &snap.ModuleIndex, &snap.TopicIndex, &snap.Phase,
		&snap.Cursor, &pending, &marked, &contextJSON, &finished, &ended, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot for %s: %w", userID, err)
	}
	snap.Pending = pending.String
	snap.TopicMarkedComplete = marked != 0
	snap.Finished = finished != 0
	snap.Ended = ended != 0
	snap.UpdatedAt = time.UnixMilli(updated).UTC()
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &snap.Context); err != nil {
			s.log.Warn("discarding unreadable snapshot context", slog.String("session_id", snap.SessionID), slog.String("error", err.Error()))
			snap.Context = nil
		}
	}
	return snap, true, nil
}

// AppendEvent writes a timeline entry. The session row must already exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, user_id, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.UserID, evt.Type, evt.Payload, evt.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("append event %s: %w", evt.Type, err)
	}
	return nil
}

// AppendTurn records one conversation turn on the session timeline.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	return s.AppendEvent(ctx, Event{
		SessionID: sessionID,
		Type:      "turn." + turn.Role,
		Payload:   []byte(turn.Text),
	})
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var user sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &user, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.UserID = user.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkTopicComplete records topic completion; repeated calls keep the first timestamp.
func (s *Store) MarkTopicComplete(ctx context.Context, userID, courseID string, ref TopicRef) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topic_progress(user_id, course_id, module_index, topic_index, completed_at)
		 VALUES(?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		userID, courseID, ref.ModuleIndex, ref.TopicIndex, s.now())
	if err != nil {
		return fmt.Errorf("mark topic complete: %w", err)
	}
	return nil
}

// MarkCourseComplete records course completion.
func (s *Store) MarkCourseComplete(ctx context.Context, userID, courseID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO course_progress(user_id, course_id, completed_at) VALUES(?, ?, ?) ON CONFLICT DO NOTHING`,
		userID, courseID, s.now())
	if err != nil {
		return fmt.Errorf("mark course complete: %w", err)
	}
	return nil
}

// CompletedTopics lists the topics a user has completed in a course.
func (s *Store) CompletedTopics(ctx context.Context, userID, courseID string) ([]TopicRef, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT module_index, topic_index FROM topic_progress
		 WHERE user_id = ? AND course_id = ? ORDER BY module_index, topic_index`, userID, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []TopicRef
	for rows.Next() {
		var r TopicRef
		if err := rows.Scan(&r.ModuleIndex, &r.TopicIndex); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// CourseCompleted reports whether the user finished the course.
func (s *Store) CourseCompleted(ctx context.Context, userID, courseID string) (bool, error) {
	if s.disabled() {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM course_progress WHERE user_id = ? AND course_id = ?`, userID, courseID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the ephemeral invariant.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
