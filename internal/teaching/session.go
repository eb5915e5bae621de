// Package teaching runs voice teaching sessions: one single-writer dispatcher
// per listener arbitrates lecture output, barge-in, questions and
// confirmation dialogs.
package teaching

import (
	"time"

	"github.com/loqalabs/loqa-tutor/internal/answer"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/speech"
)

// Phase is a session's position in the turn-taking state machine.
type Phase string

const (
	PhaseIdle                Phase = "IDLE"
	PhaseInitializing        Phase = "INITIALIZING"
	PhaseTeaching            Phase = "TEACHING"
	PhasePausedForQuery      Phase = "PAUSED_FOR_QUERY"
	PhaseAnswering           Phase = "ANSWERING"
	PhaseWaitingResume       Phase = "WAITING_RESUME"
	PhasePendingConfirmation Phase = "PENDING_CONFIRMATION"
	PhaseCompleted           Phase = "COMPLETED"
)

// Mode maps a phase onto the client-visible mode tag.
func (p Phase) Mode() protocol.Mode {
	switch p {
	case PhasePausedForQuery, PhaseAnswering, PhaseWaitingResume:
		return protocol.ModeQueryResolution
	default:
		return protocol.ModeCourseTeaching
	}
}

// PendingAction is the action a confirmation prompt is waiting on.
type PendingAction string

const (
	PendingNone             PendingAction = ""
	PendingMarkComplete     PendingAction = "mark_complete"
	PendingNextCourse       PendingAction = "next_course"
	PendingAdvanceNextTopic PendingAction = "advance_next_topic"
	PendingStartNextCourse  PendingAction = "start_next_course"
)

// Session is the authoritative record of one listener's teaching session.
// Only the owning Dispatcher's run loop reads or writes it.
type Session struct {
	ID          string
	UserID      string
	CourseID    string
	CourseTitle string
	ModuleIndex int
	TopicIndex  int
	TopicTitle  string
	Voice       string

	Phase    Phase
	Segments []string
	// Cursor is the first segment not yet fully delivered; len(Segments)
	// means the topic has been heard to the end.
	Cursor              int
	Pending             PendingAction
	TopicMarkedComplete bool
	Context             *ContextWindow

	LastActivity time.Time
	IdleWarned   bool
	Interactive  bool
	// Finished is set once the current course has been completed.
	Finished  bool
	Ended     bool
	EndReason string

	topicTerms []string
	hasNext    bool
	next       course.Position
	nextTitle  string

	output        *speech.Task
	outputID      uint64
	answerSeq     uint64
	lastQuestion  string
	lastDegraded  bool
	resumeCursor  int
	ending        bool
	pendingPrompt string
}

func (s *Session) position() course.Position {
	return course.Position{Module: s.ModuleIndex, Topic: s.TopicIndex}
}

func (s *Session) topicDone() bool {
	return s.Cursor >= len(s.Segments)
}

func (s *Session) snapshot(now time.Time) eventstore.Snapshot {
	turns := s.Context.Turns()
	ctx := make([]eventstore.Turn, len(turns))
	for i, t := range turns {
		ctx[i] = eventstore.Turn{Role: t.Role, Text: t.Text}
	}
	return eventstore.Snapshot{
		SessionID:           s.ID,
		UserID:              s.UserID,
		CourseID:            s.CourseID,
		ModuleIndex:         s.ModuleIndex,
		TopicIndex:          s.TopicIndex,
		Phase:               string(s.Phase),
		Cursor:              s.Cursor,
		Pending:             string(s.Pending),
		TopicMarkedComplete: s.TopicMarkedComplete,
		Context:             ctx,
		Finished:            s.Finished,
		Ended:               s.Ended,
		UpdatedAt:           now,
	}
}

// ContextWindow keeps the most recent conversation turns, oldest first.
type ContextWindow struct {
	limit int
	turns []answer.Turn
}

func NewContextWindow(limit int) *ContextWindow {
	if limit <= 0 {
		limit = 12
	}
	return &ContextWindow{limit: limit}
}

// Add appends a turn and evicts the oldest ones beyond the limit.
func (w *ContextWindow) Add(role, text string) {
	w.turns = append(w.turns, answer.Turn{Role: role, Text: text})
	if over := len(w.turns) - w.limit; over > 0 {
		w.turns = append(w.turns[:0:0], w.turns[over:]...)
	}
}

// Turns returns a copy of the window.
func (w *ContextWindow) Turns() []answer.Turn {
	return append([]answer.Turn(nil), w.turns...)
}

func (w *ContextWindow) Len() int { return len(w.turns) }

// View is a read-only copy of session state published after every trigger.
type View struct {
	SessionID           string
	UserID              string
	CourseID            string
	ModuleIndex         int
	TopicIndex          int
	Phase               Phase
	Cursor              int
	Segments            int
	Pending             PendingAction
	TopicMarkedComplete bool
	OutputActive        bool
	Interactive         bool
	IdleWarned          bool
	ContextTurns        int
	Ended               bool
	EndReason           string
}

func (s *Session) view() View {
	return View{
		SessionID:           s.ID,
		UserID:              s.UserID,
		CourseID:            s.CourseID,
		ModuleIndex:         s.ModuleIndex,
		TopicIndex:          s.TopicIndex,
		Phase:               s.Phase,
		Cursor:              s.Cursor,
		Segments:            len(s.Segments),
		Pending:             s.Pending,
		TopicMarkedComplete: s.TopicMarkedComplete,
		OutputActive:        s.outputID != 0,
		Interactive:         s.Interactive,
		IdleWarned:          s.IdleWarned,
		ContextTurns:        s.Context.Len(),
		Ended:               s.Ended,
		EndReason:           s.EndReason,
	}
}
