package teaching

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/answer"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/intent"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/segment"
	"github.com/loqalabs/loqa-tutor/internal/speech"
)

const (
	resumePromptText = "Say continue when you're ready to go on."
	repromptText     = "Please answer yes or no."
)

var errNoSegments = errors.New("topic has no speakable content")

// Dispatch applies one trigger to the session and returns the side effects
// to run afterwards. It mutates only the session and performs no I/O.
func (d *Dispatcher) Dispatch(t Trigger) []Effect {
	s := d.session
	if s.Ended || s.ending {
		d.ignore(t, "session ending")
		return nil
	}
	x := &transition{d: d, s: s, trig: t}
	before := s.persistKey()

	switch t.Kind {
	case TriggerStart:
		x.start()
	case TriggerSpeechStarted:
		x.bargeIn()
	case TriggerFinalTranscript:
		x.transcript(t.Text, t.At)
	case TriggerCommand:
		x.command(t.Command, t.At)
	case TriggerOutputCompleted:
		x.outputCompleted(t.Output)
	case TriggerOutputFailed:
		x.outputFailed(t.Output)
	case TriggerAnswerReady:
		x.answerReady(t.AnswerSeq, t.Answer)
	case TriggerIdleWarning:
		x.idleWarning()
	case TriggerIdleTimeout:
		x.idleTimeout()
	case TriggerEnd:
		reason := t.Reason
		if reason == "" {
			reason = "ended"
		}
		x.end(reason)
	default:
		d.ignore(t, "unknown trigger")
	}

	if !s.ending && s.persistKey() != before {
		x.add(Effect{Kind: EffectSnapshot})
	}
	return x.effects
}

func (d *Dispatcher) ignore(t Trigger, why string) {
	d.logger.Debug("trigger ignored",
		slog.String("trigger", string(t.Kind)),
		slog.String("phase", string(d.session.Phase)),
		slog.String("why", why))
}

type persistKey struct {
	course  string
	module  int
	topic   int
	phase   Phase
	cursor  int
	pending PendingAction
	marked  bool
	turns   int
}

func (s *Session) persistKey() persistKey {
	return persistKey{s.CourseID, s.ModuleIndex, s.TopicIndex, s.Phase, s.Cursor, s.Pending, s.TopicMarkedComplete, s.Context.Len()}
}

// transition collects the effects of one dispatch.
type transition struct {
	d         *Dispatcher
	s         *Session
	trig      Trigger
	effects   []Effect
	cancelled bool
}

func (x *transition) add(e Effect) { x.effects = append(x.effects, e) }

func (x *transition) ignore(why string) { x.d.ignore(x.trig, why) }

// setPhase keeps Pending tied to PENDING_CONFIRMATION.
func (x *transition) setPhase(p Phase) {
	x.s.Phase = p
	if p != PhasePendingConfirmation {
		x.s.Pending = PendingNone
		x.s.pendingPrompt = ""
	}
}

func (x *transition) emit(typ protocol.EventType, text string, data map[string]any) {
	evt := x.d.event(typ, text)
	evt.Data = data
	x.add(Effect{Kind: EffectEmit, Event: evt})
}

func (x *transition) emitError(code protocol.ErrorCode, msg string, retryable bool) {
	x.emit(protocol.EventError, msg, map[string]any{
		"code":      string(code),
		"retryable": retryable,
		"fatal":     false,
	})
}

func (x *transition) speak(purpose speech.Purpose, text string, seg int) {
	x.cancelOutput()
	x.add(Effect{Kind: EffectSpeak, Speech: speech.Request{
		SessionID: x.s.ID,
		Text:      text,
		Voice:     x.s.Voice,
		Purpose:   purpose,
		Segment:   seg,
	}})
}

func (x *transition) cancelOutput() {
	if x.s.outputID != 0 && !x.cancelled {
		x.cancelled = true
		x.add(Effect{Kind: EffectCancelOutput})
	}
}

func (x *transition) touch(at time.Time) {
	if at.After(x.s.LastActivity) {
		x.s.LastActivity = at
	}
	x.s.IdleWarned = false
}

func (x *transition) end(reason string) {
	x.s.ending = true
	x.add(Effect{Kind: EffectTeardown, Reason: reason})
}

func (x *transition) start() {
	s := x.s
	if s.Phase != PhaseIdle {
		x.ignore("already started")
		return
	}
	x.setPhase(PhaseInitializing)
	if err := x.loadTopic(s.CourseID, s.position()); err != nil {
		x.emit(protocol.EventError, err.Error(), map[string]any{
			"code":      string(protocol.ErrorCodeNoContent),
			"retryable": false,
			"fatal":     true,
		})
		x.end("no_content")
		return
	}
	s.Cursor = min(max(s.resumeCursor, 0), len(s.Segments))
	x.setPhase(PhaseTeaching)
	x.emit(protocol.EventSessionStarted, s.CourseTitle, map[string]any{
		"user_id":               s.UserID,
		"course_id":             s.CourseID,
		"module_index":          s.ModuleIndex,
		"topic_index":           s.TopicIndex,
		"topic_title":           s.TopicTitle,
		"segments":              len(s.Segments),
		"cursor":                s.Cursor,
		"resumed":               s.resumeCursor > 0 || s.Context.Len() > 0,
		"interactive":           s.Interactive,
		"topic_marked_complete": s.TopicMarkedComplete,
	})
	if !s.Interactive {
		x.emitError(protocol.ErrorCodeSTTUnavailable, "speech input unavailable; use commands to interact", true)
	}
	x.teachFromCursor()
}

// loadTopic replaces the current topic. The session is untouched on error.
func (x *transition) loadTopic(courseID string, pos course.Position) error {
	info, err := x.d.deps.Curriculum.Topic(courseID, pos)
	if err != nil {
		return err
	}
	segs := segment.Split(info.Content, x.d.opts.SegmentMaxChars)
	if len(segs) == 0 {
		return fmt.Errorf("%s: %w", info.Title, errNoSegments)
	}
	s := x.s
	s.CourseID = info.CourseID
	s.CourseTitle = info.CourseTitle
	s.ModuleIndex, s.TopicIndex = pos.Module, pos.Topic
	s.TopicTitle = info.Title
	s.Segments = segs
	s.Cursor = 0
	s.topicTerms = answer.Terms(info.Title + " " + info.Content)
	s.hasNext, s.next, s.nextTitle = info.HasNext, info.Next, info.NextTitle
	s.Voice = x.d.opts.Voice
	if info.Voice != "" {
		s.Voice = info.Voice
	}
	return nil
}

func (x *transition) enterTopic(courseID string, pos course.Position) {
	if err := x.loadTopic(courseID, pos); err != nil {
		x.emitError(protocol.ErrorCodeNoContent, err.Error(), false)
		x.settle()
		return
	}
	s := x.s
	s.TopicMarkedComplete = false
	x.setPhase(PhaseTeaching)
	x.emit(protocol.EventTopicStarted, s.TopicTitle, map[string]any{
		"course_id":    s.CourseID,
		"course_title": s.CourseTitle,
		"module_index": s.ModuleIndex,
		"topic_index":  s.TopicIndex,
		"segments":     len(s.Segments),
	})
	x.teachFromCursor()
}

// teachFromCursor speaks the first undelivered segment, or wraps up the topic.
func (x *transition) teachFromCursor() {
	s := x.s
	x.setPhase(PhaseTeaching)
	if s.topicDone() {
		x.topicExhausted()
		return
	}
	x.emit(protocol.EventSegmentStarted, s.Segments[s.Cursor], map[string]any{
		"segment":  s.Cursor,
		"segments": len(s.Segments),
	})
	x.speak(speech.PurposeLecture, s.Segments[s.Cursor], s.Cursor)
}

func (x *transition) topicExhausted() {
	if !x.s.TopicMarkedComplete {
		x.askConfirm(PendingMarkComplete, fmt.Sprintf("That's the end of %s. Shall I mark it as complete?", x.s.TopicTitle))
		return
	}
	x.offerContinuation()
}

// offerContinuation runs after a topic is marked complete.
func (x *transition) offerContinuation() {
	s := x.s
	switch {
	case s.hasNext:
		x.askConfirm(PendingAdvanceNextTopic, fmt.Sprintf("Shall we move on to %s?", s.nextTitle))
	case !s.topicDone():
		x.teachFromCursor()
	default:
		x.courseDone()
	}
}

func (x *transition) courseDone() {
	s := x.s
	s.Finished = true
	x.add(Effect{Kind: EffectMarkCourse, CourseID: s.CourseID})
	if _, ok := x.d.deps.Curriculum.NextCourse(s.CourseID); ok {
		x.askConfirm(PendingStartNextCourse, fmt.Sprintf("You've finished %s. Would you like to start the next course?", s.CourseTitle))
		return
	}
	x.end("course_completed")
}

func (x *transition) askConfirm(action PendingAction, prompt string) {
	s := x.s
	x.setPhase(PhasePendingConfirmation)
	s.Pending = action
	s.pendingPrompt = prompt
	x.emit(protocol.EventConfirmationPrompt, prompt, map[string]any{"action": string(action)})
	x.speak(speech.PurposePrompt, prompt, -1)
}

func (x *transition) reprompt() {
	prompt := x.s.pendingPrompt
	if prompt == "" {
		prompt = repromptText
	}
	x.emit(protocol.EventConfirmationPrompt, prompt, map[string]any{"action": string(x.s.Pending), "repeat": true})
	x.speak(speech.PurposePrompt, prompt, -1)
}

// settle parks the session after a request that could not be carried out.
func (x *transition) settle() {
	switch x.s.Phase {
	case PhasePausedForQuery, PhasePendingConfirmation, PhaseInitializing:
		x.waitForResume(false)
	}
}

func (x *transition) waitForResume(spoken bool) {
	x.setPhase(PhaseWaitingResume)
	x.emit(protocol.EventResumePrompt, resumePromptText, map[string]any{
		"segment":  x.s.Cursor,
		"segments": len(x.s.Segments),
	})
	if spoken && x.s.Interactive {
		x.speak(speech.PurposePrompt, resumePromptText, -1)
	}
}

// bargeIn reacts to the listener starting to speak and reports whether the
// session paused. A pending confirmation keeps its phase: the speech is taken
// as the reply to the prompt, whose audio is cut.
func (x *transition) bargeIn() bool {
	s := x.s
	switch s.Phase {
	case PhasePendingConfirmation:
		x.cancelOutput()
		return false
	case PhaseTeaching, PhaseWaitingResume, PhaseAnswering:
		x.cancelOutput()
		if s.Phase == PhaseAnswering {
			s.answerSeq++
		}
		x.setPhase(PhasePausedForQuery)
		x.d.deps.Metrics.bargeIn(x.d.ctx)
		x.emit(protocol.EventInterruptDetected, "", map[string]any{
			"segment":  s.Cursor,
			"segments": len(s.Segments),
		})
		return true
	default:
		x.ignore("nothing to interrupt")
		return false
	}
}

func (x *transition) transcript(text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		x.ignore("empty transcript")
		return
	}
	x.touch(at)
	switch x.s.Phase {
	case PhasePendingConfirmation:
		x.confirmationReply(text)
	case PhaseTeaching, PhaseAnswering:
		x.bargeIn()
		x.utterance(text)
	case PhasePausedForQuery, PhaseWaitingResume:
		x.utterance(text)
	default:
		x.ignore("not listening")
	}
}

func (x *transition) utterance(text string) {
	res := x.d.deps.Classifier.Classify(text, false)
	x.d.logger.Debug("utterance classified",
		slog.String("intent", string(res.Intent)),
		slog.Float64("confidence", res.Confidence),
		slog.String("matched", res.Matched))
	x.applyIntent(res.Intent, text)
}

func (x *transition) confirmationReply(text string) {
	res := x.d.deps.Classifier.Classify(text, true)
	pending := x.s.Pending
	switch res.Intent {
	case intent.ConfirmYes:
		x.confirm(true)
	case intent.ConfirmNo:
		x.confirm(false)
	case intent.Continue, intent.Advance:
		if pending == PendingAdvanceNextTopic || pending == PendingStartNextCourse {
			x.confirm(true)
			return
		}
		x.reprompt()
	case intent.MarkComplete:
		if pending == PendingMarkComplete {
			x.confirm(true)
			return
		}
		x.applyIntent(res.Intent, text)
	case intent.NextCourse:
		if pending == PendingNextCourse || pending == PendingStartNextCourse {
			x.confirm(true)
			return
		}
		x.applyIntent(res.Intent, text)
	case intent.Farewell:
		x.applyIntent(res.Intent, text)
	default:
		x.reprompt()
	}
}

// applyIntent is the single entry point for voice and explicit commands.
func (x *transition) applyIntent(in intent.Intent, text string) {
	switch in {
	case intent.Continue:
		x.resume()
	case intent.Repeat:
		x.repeat()
	case intent.Question:
		x.ask(text)
	case intent.MarkComplete:
		x.markComplete()
	case intent.NextCourse:
		x.nextCourse()
	case intent.Advance:
		x.advance()
	case intent.Farewell:
		x.end("farewell")
	case intent.ConfirmYes, intent.ConfirmNo:
		if x.s.Phase != PhasePendingConfirmation {
			x.ignore("no confirmation pending")
			return
		}
		x.confirm(in == intent.ConfirmYes)
	default:
		x.ignore("unknown intent " + string(in))
	}
}

func (x *transition) resume() {
	s := x.s
	switch s.Phase {
	case PhaseAnswering:
		s.answerSeq++
		x.teachFromCursor()
	case PhasePausedForQuery, PhaseWaitingResume:
		x.teachFromCursor()
	case PhaseTeaching:
		if s.outputID != 0 {
			x.ignore("already teaching")
			return
		}
		x.teachFromCursor()
	default:
		x.ignore("cannot resume")
	}
}

// repeat replays the last fully delivered segment and then carries on from
// the cursor. The cursor itself never moves back.
func (x *transition) repeat() {
	s := x.s
	switch s.Phase {
	case PhaseTeaching, PhasePausedForQuery, PhaseWaitingResume, PhaseAnswering:
		if s.Phase == PhaseAnswering {
			s.answerSeq++
		}
		if s.Cursor == 0 {
			x.teachFromCursor()
			return
		}
		x.setPhase(PhaseTeaching)
		seg := s.Cursor - 1
		x.emit(protocol.EventSegmentStarted, s.Segments[seg], map[string]any{
			"segment":  seg,
			"segments": len(s.Segments),
			"replay":   true,
		})
		x.speak(speech.PurposeLecture, s.Segments[seg], seg)
	default:
		x.ignore("nothing to repeat")
	}
}

func (x *transition) ask(text string) {
	s := x.s
	switch s.Phase {
	case PhaseTeaching, PhaseAnswering:
		x.bargeIn()
	case PhasePausedForQuery, PhaseWaitingResume:
	case PhasePendingConfirmation:
		x.reprompt()
		return
	default:
		x.ignore("not accepting questions")
		return
	}
	x.cancelOutput()
	q := answer.Query{
		SessionID:  s.ID,
		Question:   text,
		Context:    s.Context.Turns(),
		CourseID:   s.CourseID,
		TopicTitle: s.TopicTitle,
	}
	s.Context.Add("user", text)
	s.answerSeq++
	s.lastQuestion = text
	x.setPhase(PhaseAnswering)
	x.emit(protocol.EventQuestionEcho, text, nil)
	x.add(Effect{Kind: EffectAppendTurn, Turn: eventstore.Turn{Role: "user", Text: text}})
	x.add(Effect{Kind: EffectAnswer, Query: q, Terms: s.topicTerms, AnswerSeq: s.answerSeq})
}

func (x *transition) answerReady(seq uint64, a answer.Answer) {
	s := x.s
	if seq != s.answerSeq || s.Phase != PhaseAnswering {
		x.ignore("stale answer")
		return
	}
	s.Context.Add("assistant", a.Text)
	s.lastDegraded = a.Degraded
	x.d.deps.Metrics.answered(x.d.ctx, a.Route, a.Degraded)
	overlap := a.Overlap
	if overlap == nil {
		overlap = []string{}
	}
	x.emit(protocol.EventAnswerText, a.Text, map[string]any{
		"route":    string(a.Route),
		"overlap":  overlap,
		"degraded": a.Degraded,
	})
	x.add(Effect{Kind: EffectAppendTurn, Turn: eventstore.Turn{Role: "assistant", Text: a.Text}})
	if a.Degraded {
		msg := "answer service degraded"
		if a.Err != nil {
			msg = a.Err.Error()
		}
		x.emitError(protocol.ErrorCodeAnswerDegraded, msg, true)
	}
	x.speak(speech.PurposeAnswer, a.Text, -1)
}

func (x *transition) outputCompleted(res speech.Result) {
	s := x.s
	if res.TaskID == 0 || res.TaskID != s.outputID {
		x.ignore("stale output")
		return
	}
	s.output, s.outputID = nil, 0
	switch res.Request.Purpose {
	case speech.PurposeLecture:
		if s.Phase != PhaseTeaching {
			return
		}
		switch seg := res.Request.Segment; {
		case seg == s.Cursor:
			x.emit(protocol.EventSegmentComplete, "", map[string]any{
				"segment":  s.Cursor,
				"segments": len(s.Segments),
			})
			s.Cursor++
			x.teachFromCursor()
		case seg >= 0 && seg < s.Cursor:
			// A replay ended; the cursor already sits past it.
			x.emit(protocol.EventSegmentComplete, "", map[string]any{
				"segment":  seg,
				"segments": len(s.Segments),
				"replay":   true,
			})
			x.teachFromCursor()
		}
	case speech.PurposeAnswer:
		if s.Phase == PhaseAnswering {
			x.waitForResume(true)
		}
	}
}

func (x *transition) outputFailed(res speech.Result) {
	s := x.s
	if res.TaskID == 0 || res.TaskID != s.outputID {
		x.ignore("stale output")
		return
	}
	s.output, s.outputID = nil, 0
	x.d.deps.Metrics.outputFailed(x.d.ctx, res.Request.Purpose)
	msg := "speech output failed"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	x.emit(protocol.EventError, msg, map[string]any{
		"code":      string(protocol.ErrorCodeOutputFailed),
		"retryable": true,
		"fatal":     false,
		"purpose":   string(res.Request.Purpose),
		"segment":   res.Request.Segment,
	})
	switch {
	case res.Request.Purpose == speech.PurposeLecture && s.Phase == PhaseTeaching,
		res.Request.Purpose == speech.PurposeAnswer && s.Phase == PhaseAnswering:
		x.waitForResume(false)
	}
}

func (x *transition) idleWarning() {
	s := x.s
	if s.IdleWarned {
		x.ignore("already warned")
		return
	}
	if s.Phase == PhaseIdle || s.Phase == PhaseInitializing {
		x.ignore("not started")
		return
	}
	s.IdleWarned = true
	x.emit(protocol.EventIdleWarning, "Are you still there?", map[string]any{
		"timeout_in_ms": (x.d.opts.IdleTimeout - x.d.opts.IdleWarning).Milliseconds(),
	})
}

func (x *transition) idleTimeout() {
	x.emit(protocol.EventIdleTimeout, "", nil)
	x.end("idle_timeout")
}

func (x *transition) markComplete() {
	if x.s.Phase == PhaseIdle || x.s.Phase == PhaseInitializing {
		x.ignore("not started")
		return
	}
	if x.s.TopicMarkedComplete {
		x.offerContinuation()
		return
	}
	x.askConfirm(PendingMarkComplete, fmt.Sprintf("Shall I mark %s as complete?", x.s.TopicTitle))
}

// nextCourse skips the confirmation when the topic is already marked.
func (x *transition) nextCourse() {
	s := x.s
	if _, ok := x.d.deps.Curriculum.NextCourse(s.CourseID); !ok {
		x.emitError(protocol.ErrorCodeNoContent, "there is no next course", false)
		x.settle()
		return
	}
	if s.TopicMarkedComplete {
		x.startNextCourse()
		return
	}
	x.askConfirm(PendingNextCourse, fmt.Sprintf("%s isn't marked complete yet. Mark it complete and move on to the next course?", s.TopicTitle))
}

func (x *transition) advance() {
	s := x.s
	if !s.hasNext {
		if s.TopicMarkedComplete && s.topicDone() {
			x.courseDone()
			return
		}
		x.emitError(protocol.ErrorCodeNoContent, "this is the last topic of the course", false)
		x.settle()
		return
	}
	x.enterTopic(s.CourseID, s.next)
}

func (x *transition) startNextCourse() {
	s := x.s
	next, ok := x.d.deps.Curriculum.NextCourse(s.CourseID)
	if !ok {
		x.emitError(protocol.ErrorCodeNoContent, "there is no next course", false)
		x.settle()
		return
	}
	s.Finished = false
	x.enterTopic(next, course.Position{})
}

func (x *transition) markTopic() {
	s := x.s
	s.TopicMarkedComplete = true
	x.add(Effect{
		Kind:     EffectMarkTopic,
		CourseID: s.CourseID,
		Topic:    eventstore.TopicRef{ModuleIndex: s.ModuleIndex, TopicIndex: s.TopicIndex},
	})
	data := map[string]any{
		"course_id":    s.CourseID,
		"module_index": s.ModuleIndex,
		"topic_index":  s.TopicIndex,
		"has_next":     s.hasNext,
	}
	if s.hasNext {
		data["next_module_index"] = s.next.Module
		data["next_topic_index"] = s.next.Topic
		data["next_topic_title"] = s.nextTitle
	} else if next, ok := x.d.deps.Curriculum.NextCourse(s.CourseID); ok {
		data["next_course_id"] = next
	}
	x.emit(protocol.EventTopicCompleted, s.TopicTitle, data)
}

func (x *transition) confirm(yes bool) {
	s := x.s
	action := s.Pending
	if s.Phase != PhasePendingConfirmation {
		x.ignore("no confirmation pending")
		return
	}
	if !yes {
		if action == PendingStartNextCourse {
			x.end("course_completed")
			return
		}
		if s.topicDone() {
			x.waitForResume(true)
			return
		}
		x.teachFromCursor()
		return
	}
	switch action {
	case PendingMarkComplete:
		x.markTopic()
		x.offerContinuation()
	case PendingNextCourse:
		x.markTopic()
		x.startNextCourse()
	case PendingAdvanceNextTopic:
		x.advance()
	case PendingStartNextCourse:
		x.startNextCourse()
	}
}

func (x *transition) command(cmd protocol.Command, at time.Time) {
	x.touch(at)
	switch cmd.Name {
	case protocol.CommandContinue:
		x.applyIntent(intent.Continue, "")
	case protocol.CommandRepeat:
		x.applyIntent(intent.Repeat, "")
	case protocol.CommandMarkComplete:
		x.applyIntent(intent.MarkComplete, "")
	case protocol.CommandNextCourse:
		x.applyIntent(intent.NextCourse, "")
	case protocol.CommandAdvance:
		x.applyIntent(intent.Advance, "")
	case protocol.CommandConfirmYes:
		x.applyIntent(intent.ConfirmYes, "")
	case protocol.CommandConfirmNo:
		x.applyIntent(intent.ConfirmNo, "")
	case protocol.CommandAsk:
		text := strings.TrimSpace(cmd.Text)
		if text == "" {
			x.emitError(protocol.ErrorCodeBadCommand, "ask requires text", false)
			return
		}
		x.ask(text)
	case protocol.CommandTranscript:
		x.transcript(cmd.Text, at)
	case protocol.CommandRetry:
		x.retry()
	case protocol.CommandEnd:
		x.end("client_end")
	case protocol.CommandStart:
		x.ignore("session already started")
	default:
		x.emitError(protocol.ErrorCodeBadCommand, fmt.Sprintf("unknown command %q", cmd.Name), false)
	}
}

// retry re-asks a question whose answer came back degraded, otherwise it
// resumes the lecture.
func (x *transition) retry() {
	s := x.s
	if (s.Phase == PhaseWaitingResume || s.Phase == PhasePausedForQuery) && s.lastDegraded && s.lastQuestion != "" {
		s.lastDegraded = false
		x.ask(s.lastQuestion)
		return
	}
	x.resume()
}
