package teaching

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/answer"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/intent"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/speech"
	"github.com/loqalabs/loqa-tutor/internal/stt"
	"github.com/loqalabs/loqa-tutor/internal/tts"
)

// Curriculum resolves course positions.
type Curriculum interface {
	Topic(courseID string, pos course.Position) (course.TopicInfo, error)
	NextCourse(courseID string) (string, bool)
}

// Answerer turns a question into text to speak. It must always return text.
type Answerer interface {
	Answer(ctx context.Context, q answer.Query, topicTerms []string) answer.Answer
}

// Recorder takes persistence work off the trigger path. Calls never block.
type Recorder interface {
	SaveSnapshot(snap eventstore.Snapshot)
	AppendTurn(sessionID string, turn eventstore.Turn)
	MarkTopicComplete(userID, courseID string, ref eventstore.TopicRef)
	MarkCourseComplete(userID, courseID string)
}

type nopRecorder struct{}

func (nopRecorder) SaveSnapshot(eventstore.Snapshot)                      {}
func (nopRecorder) AppendTurn(string, eventstore.Turn)                    {}
func (nopRecorder) MarkTopicComplete(string, string, eventstore.TopicRef) {}
func (nopRecorder) MarkCourseComplete(string, string)                     {}

// Deps are the collaborators shared by every session.
type Deps struct {
	Classifier intent.Classifier
	Answers    Answerer
	Curriculum Curriculum
	Synth      tts.Synthesizer
	Recorder   Recorder
	Metrics    *Metrics
	Clock      func() time.Time
}

// Options are the per-session policy knobs.
type Options struct {
	ContextTurns    int
	SegmentMaxChars int
	Voice           string
	IdleWarning     time.Duration
	IdleTimeout     time.Duration
	IdleCheck       time.Duration
}

func OptionsFromConfig(cfg config.TeachingConfig) Options {
	return Options{
		ContextTurns:    cfg.ContextTurns,
		SegmentMaxChars: cfg.SegmentMaxChars,
		Voice:           cfg.Voice,
		IdleWarning:     cfg.IdleWarning(),
		IdleTimeout:     cfg.IdleTimeout(),
		IdleCheck:       cfg.IdleCheck(),
	}
}

// Seed is where a new session starts, possibly restored from a snapshot.
type Seed struct {
	SessionID           string
	UserID              string
	CourseID            string
	Position            course.Position
	Cursor              int
	TopicMarkedComplete bool
	Context             []answer.Turn
}

// Dispatcher owns one session. Triggers from the listener, the idle monitor,
// output tasks, answer calls and the client are queued and applied one at a
// time by a single goroutine.
type Dispatcher struct {
	session *Session
	deps    Deps
	opts    Options
	events  EventSink
	logger  *slog.Logger

	queue    *triggerQueue
	speech   *speech.Controller
	listener *Listener
	idle     *IdleMonitor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	view    atomic.Pointer[View]
	onClose func(*Dispatcher)
}

func newDispatcher(parent context.Context, seed Seed, feed stt.Feed, sink EventSink, deps Deps, opts Options, logger *slog.Logger) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if feed == nil {
		feed = stt.DisabledFeed{}
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:                  seed.SessionID,
		UserID:              seed.UserID,
		CourseID:            seed.CourseID,
		ModuleIndex:         seed.Position.Module,
		TopicIndex:          seed.Position.Topic,
		Voice:               opts.Voice,
		Phase:               PhaseIdle,
		TopicMarkedComplete: seed.TopicMarkedComplete,
		Context:             NewContextWindow(opts.ContextTurns),
		LastActivity:        deps.Clock(),
		resumeCursor:        seed.Cursor,
	}
	for _, t := range seed.Context {
		s.Context.Add(t.Role, t.Text)
	}
	d := &Dispatcher{
		session: s,
		deps:    deps,
		opts:    opts,
		events:  sink,
		logger:  logger.With(slog.String("component", "dispatcher"), slog.String("session_id", seed.SessionID)),
		queue:   newTriggerQueue(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	d.speech = speech.NewController(deps.Synth, newAudioSink(sink, deps.Clock), d.onOutputDone, logger)
	d.listener = NewListener(feed, d.Submit, deps.Clock, logger)
	d.idle = NewIdleMonitor(opts.IdleWarning, opts.IdleTimeout, opts.IdleCheck, deps.Clock, d.Submit, logger)
	d.publishView()
	return d
}

// start begins listening and runs the loop. The session begins teaching
// once the queued start trigger is processed.
func (d *Dispatcher) start() {
	d.session.Interactive = d.listener.Start(d.ctx)
	d.idle.Start(d.ctx, d.session.LastActivity)
	d.deps.Metrics.sessionOpened(d.ctx)
	d.wg.Add(1)
	go d.run()
	d.Submit(Trigger{Kind: TriggerStart})
}

func (d *Dispatcher) ID() string { return d.session.ID }

// Submit queues a trigger. It returns false once the session has ended.
func (d *Dispatcher) Submit(t Trigger) bool {
	if t.At.IsZero() {
		t.At = d.deps.Clock()
	}
	return d.queue.push(t)
}

// Command queues an explicit client command.
func (d *Dispatcher) Command(cmd protocol.Command) bool {
	return d.Submit(Trigger{Kind: TriggerCommand, Command: cmd, Text: cmd.Text})
}

// End asks the session to tear down.
func (d *Dispatcher) End(reason string) bool {
	return d.Submit(Trigger{Kind: TriggerEnd, Reason: reason})
}

// Done is closed after teardown completes.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Wait blocks until the session has ended or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View returns the state published after the last processed trigger.
func (d *Dispatcher) View() View {
	return *d.view.Load()
}

func (d *Dispatcher) publishView() {
	v := d.session.view()
	d.view.Store(&v)
}

func (d *Dispatcher) onOutputDone(res speech.Result) {
	switch res.Outcome {
	case speech.Completed:
		d.Submit(Trigger{Kind: TriggerOutputCompleted, Output: res})
	case speech.Failed:
		d.Submit(Trigger{Kind: TriggerOutputFailed, Output: res})
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	defer close(d.done)
	for {
		trig, ok := d.queue.pop()
		if !ok {
			return
		}
		d.deps.Metrics.trigger(d.ctx, trig.Kind)
		effects := d.Dispatch(trig)
		d.apply(effects)
		d.publishView()
		if d.session.Ended {
			d.queue.close()
			if d.onClose != nil {
				d.onClose(d)
			}
			return
		}
		d.idle.Sync(d.session.LastActivity, d.busy())
	}
}

// busy holds the idle clock while audio plays or an answer is pending.
func (d *Dispatcher) busy() bool {
	return d.session.outputID != 0 || d.session.Phase == PhaseAnswering
}

func (d *Dispatcher) apply(effects []Effect) {
	s := d.session
	for _, eff := range effects {
		switch eff.Kind {
		case EffectEmit:
			if err := d.events.Send(eff.Event); err != nil {
				d.logger.Debug("event delivery failed", slog.String("event", string(eff.Event.Type)), slogError(err))
			}
		case EffectSpeak:
			task := d.speech.Start(d.ctx, eff.Speech)
			s.output, s.outputID = task, task.ID()
		case EffectCancelOutput:
			s.output.Cancel()
			s.output, s.outputID = nil, 0
		case EffectAnswer:
			d.wg.Add(1)
			go d.answer(eff.Query, eff.Terms, eff.AnswerSeq)
		case EffectSnapshot:
			d.deps.Recorder.SaveSnapshot(s.snapshot(d.deps.Clock()))
		case EffectAppendTurn:
			d.deps.Recorder.AppendTurn(s.ID, eff.Turn)
		case EffectMarkTopic:
			d.deps.Recorder.MarkTopicComplete(s.UserID, eff.CourseID, eff.Topic)
		case EffectMarkCourse:
			d.deps.Recorder.MarkCourseComplete(s.UserID, eff.CourseID)
		case EffectTeardown:
			d.teardown(eff.Reason)
		}
	}
}

func (d *Dispatcher) answer(q answer.Query, terms []string, seq uint64) {
	defer d.wg.Done()
	res := d.deps.Answers.Answer(d.ctx, q, terms)
	if !d.Submit(Trigger{Kind: TriggerAnswerReady, Answer: res, AnswerSeq: seq}) {
		d.logger.Debug("answer arrived after session end", slog.Uint64("answer_seq", seq))
	}
}

// teardown releases every per-session resource before the session is marked
// completed: output first, then speech input, then the idle timer.
func (d *Dispatcher) teardown(reason string) {
	s := d.session
	d.speech.Stop()
	s.output, s.outputID = nil, 0
	d.listener.Stop()
	d.idle.Stop()
	d.cancel()

	s.Phase = PhaseCompleted
	s.Pending = PendingNone
	s.Ended = true
	s.EndReason = reason
	d.deps.Metrics.sessionClosed(context.Background())

	evt := d.event(protocol.EventSessionEnded, "")
	evt.Data = map[string]any{"reason": reason}
	if err := d.events.Send(evt); err != nil {
		d.logger.Debug("session-ended delivery failed", slogError(err))
	}
	d.deps.Recorder.SaveSnapshot(s.snapshot(d.deps.Clock()))
	d.logger.Info("session ended", slog.String("reason", reason))
}

func (d *Dispatcher) event(typ protocol.EventType, text string) protocol.Event {
	s := d.session
	return protocol.Event{
		Type:      typ,
		SessionID: s.ID,
		Mode:      s.Phase.Mode(),
		Phase:     string(s.Phase),
		Text:      text,
		Timestamp: d.deps.Clock(),
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
