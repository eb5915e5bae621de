package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/presence"
	"github.com/loqalabs/loqa-tutor/internal/teaching"
)

type progressStore interface {
	CompletedTopics(ctx context.Context, userID, courseID string) ([]eventstore.TopicRef, error)
	CourseCompleted(ctx context.Context, userID, courseID string) (bool, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type nodeDirectory interface {
	Nodes(filter func(presence.Node) bool) []presence.Node
	ClusterSessions() int
}

type sessionLookup interface {
	Get(id string) (*teaching.Dispatcher, error)
	Active() int
}

// api is the read-only JSON surface next to the websocket: course listing,
// learner progress and live session state.
type api struct {
	catalog  *course.Catalog
	store    progressStore
	sessions sessionLookup
	nodes    nodeDirectory
	logger   *slog.Logger
}

// newAPI builds the API. nodes may be nil when presence is not running.
func newAPI(catalog *course.Catalog, store progressStore, sessions sessionLookup, nodes nodeDirectory, logger *slog.Logger) *api {
	return &api{
		catalog:  catalog,
		store:    store,
		sessions: sessions,
		nodes:    nodes,
		logger:   logger.With(slog.String("component", "api")),
	}
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/courses", a.listCourses)
	r.Get("/courses/{courseID}", a.getCourse)
	r.Get("/users/{userID}/courses/{courseID}/progress", a.getProgress)
	r.Get("/sessions", a.countSessions)
	r.Get("/sessions/{sessionID}", a.getSession)
	r.Get("/sessions/{sessionID}/timeline", a.getTimeline)
	r.Get("/nodes", a.listNodes)
	return r
}

type courseSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version string `json:"version,omitempty"`
	Modules int    `json:"modules"`
	Topics  int    `json:"topics"`
}

func summarize(c course.Course) courseSummary {
	s := courseSummary{ID: c.ID, Title: c.Title, Version: c.Version, Modules: len(c.Modules)}
	for _, m := range c.Modules {
		s.Topics += len(m.Topics)
	}
	return s
}

func (a *api) listCourses(w http.ResponseWriter, _ *http.Request) {
	out := []courseSummary{}
	for _, id := range a.catalog.IDs() {
		if c, ok := a.catalog.Course(id); ok {
			out = append(out, summarize(c))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type moduleOutline struct {
	Title  string   `json:"title"`
	Topics []string `json:"topics"`
}

func (a *api) getCourse(w http.ResponseWriter, r *http.Request) {
	c, ok := a.catalog.Course(chi.URLParam(r, "courseID"))
	if !ok {
		writeError(w, http.StatusNotFound, "course not found")
		return
	}
	outline := make([]moduleOutline, len(c.Modules))
	for i, m := range c.Modules {
		outline[i].Title = m.Title
		for _, t := range m.Topics {
			outline[i].Topics = append(outline[i].Topics, t.Title)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"course":  summarize(c),
		"modules": outline,
	})
}

type topicRef struct {
	ModuleIndex int `json:"module_index"`
	TopicIndex  int `json:"topic_index"`
}

func (a *api) getProgress(w http.ResponseWriter, r *http.Request) {
	userID, courseID := chi.URLParam(r, "userID"), chi.URLParam(r, "courseID")
	if _, ok := a.catalog.Course(courseID); !ok {
		writeError(w, http.StatusNotFound, "course not found")
		return
	}
	refs, err := a.store.CompletedTopics(r.Context(), userID, courseID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	done, err := a.store.CourseCompleted(r.Context(), userID, courseID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	topics := make([]topicRef, len(refs))
	for i, ref := range refs {
		topics[i] = topicRef{ModuleIndex: ref.ModuleIndex, TopicIndex: ref.TopicIndex}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":          userID,
		"course_id":        courseID,
		"completed_topics": topics,
		"course_completed": done,
	})
}

func (a *api) countSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"active": a.sessions.Active()})
}

func (a *api) listNodes(w http.ResponseWriter, r *http.Request) {
	if a.nodes == nil {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": []presence.Node{}, "sessions": a.sessions.Active()})
		return
	}
	filter := func(presence.Node) bool { return true }
	if name := r.URL.Query().Get("capability"); name != "" {
		filter = presence.WithCapability(name)
	}
	nodes := a.nodes.Nodes(filter)
	if nodes == nil {
		nodes = []presence.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "sessions": a.nodes.ClusterSessions()})
}

type sessionView struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	CourseID     string `json:"course_id"`
	ModuleIndex  int    `json:"module_index"`
	TopicIndex   int    `json:"topic_index"`
	Phase        string `json:"phase"`
	Mode         string `json:"mode"`
	Cursor       int    `json:"cursor"`
	Segments     int    `json:"segments"`
	Pending      string `json:"pending,omitempty"`
	OutputActive bool   `json:"output_active"`
	Interactive  bool   `json:"interactive"`
	IdleWarned   bool   `json:"idle_warned"`
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	d, err := a.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	v := d.View()
	writeJSON(w, http.StatusOK, sessionView{
		SessionID:    v.SessionID,
		UserID:       v.UserID,
		CourseID:     v.CourseID,
		ModuleIndex:  v.ModuleIndex,
		TopicIndex:   v.TopicIndex,
		Phase:        string(v.Phase),
		Mode:         string(v.Phase.Mode()),
		Cursor:       v.Cursor,
		Segments:     v.Segments,
		Pending:      string(v.Pending),
		OutputActive: v.OutputActive,
		Interactive:  v.Interactive,
		IdleWarned:   v.IdleWarned,
	})
}

type timelineEntry struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *api) getTimeline(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := a.store.ListSessionEvents(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		a.storeError(w, err)
		return
	}
	out := make([]timelineEntry, len(events))
	for i, e := range events {
		out[i] = timelineEntry{Type: e.Type, Text: string(e.Payload), CreatedAt: e.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	a.logger.Warn("progress query failed", slogError(err))
	writeError(w, http.StatusServiceUnavailable, "store unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
