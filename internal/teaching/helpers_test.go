package teaching

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/answer"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/intent"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/stt"
	"github.com/loqalabs/loqa-tutor/internal/tts"
)

const waitTimeout = 3 * time.Second

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mlCourse() course.Course {
	return course.Course{
		ID:    "ml",
		Title: "Machine Learning",
		Order: 1,
		Modules: []course.Module{{
			Title: "Foundations",
			Topics: []course.Topic{
				{
					Title: "Neural networks",
					Content: "Neural networks learn weights from data.\n\n" +
						"Backpropagation computes gradients for neural network weights.\n\n" +
						"Regularization keeps networks from overfitting.",
				},
				{Title: "Decision trees", Content: "Decision trees split data on features."},
			},
		}},
	}
}

func statsCourse() course.Course {
	return course.Course{
		ID:    "stats",
		Title: "Statistics",
		Order: 2,
		Modules: []course.Module{{
			Title:  "Basics",
			Topics: []course.Topic{{Title: "Probability", Content: "Probability measures uncertainty."}},
		}},
	}
}

func soloCourse() course.Course {
	return course.Course{
		ID:    "solo",
		Title: "Solo",
		Modules: []course.Module{{
			Title: "Only",
			Topics: []course.Topic{{
				Title:   "Neural networks",
				Content: "Neural networks learn weights from data.\n\nThey generalize when regularized.",
			}},
		}},
	}
}

func mustCatalog(t *testing.T, courses ...course.Course) *course.Catalog {
	t.Helper()
	cat, err := course.NewCatalog(courses...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

// scriptSynth emits two chunks per request. Requests containing a block
// phrase stop after the first chunk until cancelled; requests containing a
// fail phrase error out before any audio.
type scriptSynth struct {
	mu    sync.Mutex
	block []string
	fail  []string
	delay time.Duration
	texts []string
}

func (s *scriptSynth) setFail(phrases ...string) {
	s.mu.Lock()
	s.fail = phrases
	s.mu.Unlock()
}

func (s *scriptSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	s.mu.Lock()
	s.texts = append(s.texts, req.Text)
	blocking := containsAny(req.Text, s.block)
	failing := containsAny(req.Text, s.fail)
	delay := s.delay
	s.mu.Unlock()

	chunks := make(chan tts.SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if failing {
			errs <- errors.New("synthesizer unavailable")
			return
		}
		for seq := 0; seq < 2; seq++ {
			if seq == 1 && blocking {
				<-ctx.Done()
				errs <- ctx.Err()
				return
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- tts.SynthChunk{SessionID: req.SessionID, Sequence: seq, SampleRate: 16000, Channels: 1, PCM: []byte{0, 0}, Final: seq == 1}:
			}
		}
	}()
	return chunks, errs
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// eventLog is an EventSink that keeps everything it is sent.
type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (l *eventLog) Send(evt protocol.Event) error {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) all() []protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Event(nil), l.events...)
}

func (l *eventLog) count(typ protocol.EventType, match func(protocol.Event) bool) int {
	n := 0
	for _, evt := range l.all() {
		if evt.Type == typ && (match == nil || match(evt)) {
			n++
		}
	}
	return n
}

func (l *eventLog) waitCount(t *testing.T, typ protocol.EventType, n int, match func(protocol.Event) bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if l.count(typ, match) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events; saw %s", n, typ, l.summary())
}

func (l *eventLog) waitFor(t *testing.T, typ protocol.EventType, match func(protocol.Event) bool) protocol.Event {
	t.Helper()
	l.waitCount(t, typ, 1, match)
	for _, evt := range l.all() {
		if evt.Type == typ && (match == nil || match(evt)) {
			return evt
		}
	}
	return protocol.Event{}
}

func (l *eventLog) summary() string {
	var parts []string
	for _, evt := range l.all() {
		if evt.Audio != nil {
			continue
		}
		parts = append(parts, string(evt.Type)+"("+evt.Phase+")")
	}
	return strings.Join(parts, " ")
}

func segmentIs(n int) func(protocol.Event) bool {
	return func(evt protocol.Event) bool { return evt.Data["segment"] == n }
}

// chanFeed is a speech feed driven by the test.
type chanFeed struct {
	ok     bool
	events chan stt.Event

	mu     sync.Mutex
	starts int
	closes int
}

func newChanFeed(ok bool) *chanFeed {
	return &chanFeed{ok: ok, events: make(chan stt.Event, 16)}
}

func (f *chanFeed) Start(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.ok
}

func (f *chanFeed) Events() <-chan stt.Event { return f.events }

func (f *chanFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *chanFeed) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *chanFeed) speechStarted() {
	f.events <- stt.Event{Kind: protocol.SpeechStarted}
}

func (f *chanFeed) final(text string) {
	f.events <- stt.Event{Kind: protocol.SpeechFinal, Text: text}
}

// recorder captures write-behind calls.
type recorder struct {
	mu        sync.Mutex
	snapshots []eventstore.Snapshot
	turns     []eventstore.Turn
	topics    []eventstore.TopicRef
	courses   []string
}

func (r *recorder) SaveSnapshot(snap eventstore.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snap)
	r.mu.Unlock()
}

func (r *recorder) AppendTurn(_ string, turn eventstore.Turn) {
	r.mu.Lock()
	r.turns = append(r.turns, turn)
	r.mu.Unlock()
}

func (r *recorder) MarkTopicComplete(_, _ string, ref eventstore.TopicRef) {
	r.mu.Lock()
	r.topics = append(r.topics, ref)
	r.mu.Unlock()
}

func (r *recorder) MarkCourseComplete(_, courseID string) {
	r.mu.Lock()
	r.courses = append(r.courses, courseID)
	r.mu.Unlock()
}

func (r *recorder) markedTopics() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func (r *recorder) lastSnapshot() eventstore.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return eventstore.Snapshot{}
	}
	return r.snapshots[len(r.snapshots)-1]
}

// blockingAnswerer holds every answer until release is closed.
type blockingAnswerer struct {
	release chan struct{}
	text    string
}

func (b *blockingAnswerer) Answer(ctx context.Context, q answer.Query, _ []string) answer.Answer {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return answer.Answer{Text: b.text, Route: answer.RouteDirect}
}

type retrievalLog struct {
	mu        sync.Mutex
	questions []string
}

func (r *retrievalLog) add(q string) {
	r.mu.Lock()
	r.questions = append(r.questions, q)
	r.mu.Unlock()
}

func newRouter(log *retrievalLog) *answer.Router {
	retrieval := answer.BackendFunc(func(_ context.Context, q answer.Query) (string, error) {
		if log != nil {
			log.add(q.Question)
		}
		return "Weights change by following the gradient.", nil
	})
	direct := answer.BackendFunc(func(context.Context, answer.Query) (string, error) {
		return "Here is a general answer.", nil
	})
	return answer.NewRouter(retrieval, direct, answer.Options{Timeout: time.Second}, newLogger())
}

type harnessConfig struct {
	courses  []course.Course
	courseID string
	seed     Seed
	synth    *scriptSynth
	answers  Answerer
	opts     Options
	feed     *chanFeed
}

type harness struct {
	d       *Dispatcher
	events  *eventLog
	feed    *chanFeed
	synth   *scriptSynth
	rec     *recorder
	started bool
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if len(cfg.courses) == 0 {
		cfg.courses = []course.Course{mlCourse(), statsCourse()}
	}
	if cfg.courseID == "" {
		cfg.courseID = cfg.courses[0].ID
	}
	if cfg.synth == nil {
		cfg.synth = &scriptSynth{}
	}
	if cfg.answers == nil {
		cfg.answers = newRouter(nil)
	}
	if cfg.feed == nil {
		cfg.feed = newChanFeed(true)
	}
	if cfg.opts.IdleTimeout == 0 {
		cfg.opts.IdleWarning = 30 * time.Minute
		cfg.opts.IdleTimeout = time.Hour
		cfg.opts.IdleCheck = 10 * time.Millisecond
	}
	seed := cfg.seed
	if seed.SessionID == "" {
		seed.SessionID = "s-1"
	}
	if seed.UserID == "" {
		seed.UserID = "u-1"
	}
	seed.CourseID = cfg.courseID

	h := &harness{events: &eventLog{}, feed: cfg.feed, synth: cfg.synth, rec: &recorder{}}
	deps := Deps{
		Classifier: intent.NewKeywordClassifier(intent.DefaultLongUtteranceWords),
		Answers:    cfg.answers,
		Curriculum: mustCatalog(t, cfg.courses...),
		Synth:      cfg.synth,
		Recorder:   h.rec,
	}
	h.d = newDispatcher(context.Background(), seed, cfg.feed, h.events, deps, cfg.opts, newLogger())
	t.Cleanup(func() {
		if !h.started {
			return
		}
		h.d.End("test_cleanup")
		<-h.d.Done()
		h.d.wg.Wait()
	})
	return h
}

func (h *harness) start() *harness {
	h.started = true
	h.d.start()
	return h
}

func (h *harness) command(name protocol.CommandName, text string) {
	h.d.Command(protocol.Command{Name: name, Text: text})
}

func (h *harness) waitView(t *testing.T, what string, ok func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if v := h.d.View(); ok(v) {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; view %+v; events %s", what, h.d.View(), h.events.summary())
	return View{}
}

func (h *harness) waitPhase(t *testing.T, p Phase) View {
	t.Helper()
	return h.waitView(t, "phase "+string(p), func(v View) bool { return v.Phase == p })
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.d.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not end; view %+v; events %s", h.d.View(), h.events.summary())
	}
}
