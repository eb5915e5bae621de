package teaching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/intent"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/stt"
)

type managerFixture struct {
	m     *Manager
	store *memStore
	synth *scriptSynth
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	store := newMemStore()
	synth := &scriptSynth{block: []string{"learn weights", "Probability"}}
	deps := Deps{
		Classifier: intent.NewKeywordClassifier(intent.DefaultLongUtteranceWords),
		Answers:    newRouter(nil),
		Curriculum: mustCatalog(t, mlCourse(), statsCourse()),
		Synth:      synth,
		Recorder:   &recorder{},
	}
	opts := Options{IdleWarning: time.Hour, IdleTimeout: 2 * time.Hour, IdleCheck: 10 * time.Millisecond}
	feeds := func(string) stt.Feed { return newChanFeed(true) }
	m := NewManager(context.Background(), deps, opts, store, feeds, newLogger())
	t.Cleanup(m.Close)
	return &managerFixture{m: m, store: store, synth: synth}
}

func waitDispatcherView(t *testing.T, d *Dispatcher, ok func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if v := d.View(); ok(v) {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out; view %+v", d.View())
	return View{}
}

func TestManagerRejectsUnavailableStore(t *testing.T) {
	f := newManagerFixture(t)
	f.store.pingErr = errors.New("database is locked")

	_, err := f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "ml", Sink: &eventLog{}})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if f.m.Active() != 0 {
		t.Fatal("no session should be created")
	}
}

func TestManagerRejectsUnknownCourse(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "nope", Sink: &eventLog{}})
	if !errors.Is(err, course.ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}

	_, err = f.m.Start(context.Background(), StartRequest{
		UserID: "u", CourseID: "ml", Sink: &eventLog{},
		Position: &course.Position{Module: 0, Topic: 9},
	})
	if !errors.Is(err, course.ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound for an explicit bad position, got %v", err)
	}
}

func TestManagerValidatesRequest(t *testing.T) {
	f := newManagerFixture(t)
	if _, err := f.m.Start(context.Background(), StartRequest{CourseID: "ml", Sink: &eventLog{}}); err == nil {
		t.Fatal("missing user id accepted")
	}
	if _, err := f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "ml"}); err == nil {
		t.Fatal("missing sink accepted")
	}
}

func TestManagerResumesFromSnapshot(t *testing.T) {
	f := newManagerFixture(t)
	f.synth.block = []string{"Regularization"}
	f.store.snapshots["u/ml"] = eventstore.Snapshot{
		UserID: "u", CourseID: "ml", ModuleIndex: 0, TopicIndex: 0, Cursor: 2,
		Context: []eventstore.Turn{{Role: "user", Text: "what is a weight"}, {Role: "assistant", Text: "a number"}},
	}

	events := &eventLog{}
	d, err := f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "ml", Sink: events})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	started := events.waitFor(t, protocol.EventSessionStarted, nil)
	if started.Data["cursor"] != 2 || started.Data["resumed"] != true {
		t.Fatalf("expected resume at segment 2, got %v", started.Data)
	}
	v := waitDispatcherView(t, d, func(v View) bool { return v.OutputActive })
	if v.Cursor != 2 || v.ContextTurns != 2 {
		t.Fatalf("unexpected resumed view %+v", v)
	}
	events.waitFor(t, protocol.EventSegmentStarted, segmentIs(2))
	if n := events.count(protocol.EventSegmentStarted, segmentIs(0)); n != 0 {
		t.Fatal("resumed session replayed delivered segments")
	}
}

func TestManagerIgnoresFinishedSnapshot(t *testing.T) {
	f := newManagerFixture(t)
	f.store.snapshots["u/ml"] = eventstore.Snapshot{UserID: "u", CourseID: "ml", TopicIndex: 1, Cursor: 1, Finished: true}

	events := &eventLog{}
	if _, err := f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "ml", Sink: events}); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := events.waitFor(t, protocol.EventSessionStarted, nil)
	if started.Data["topic_index"] != 0 || started.Data["cursor"] != 0 {
		t.Fatalf("finished course should start over, got %v", started.Data)
	}
}

func TestManagerFallsBackFromStalePosition(t *testing.T) {
	f := newManagerFixture(t)
	f.store.snapshots["u/ml"] = eventstore.Snapshot{UserID: "u", CourseID: "ml", ModuleIndex: 4, Cursor: 3}

	events := &eventLog{}
	if _, err := f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "ml", Sink: events}); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := events.waitFor(t, protocol.EventSessionStarted, nil)
	if started.Data["module_index"] != 0 || started.Data["cursor"] != 0 {
		t.Fatalf("stale position should restart the course, got %v", started.Data)
	}
}

func TestManagerReplacesSessionForSameUser(t *testing.T) {
	f := newManagerFixture(t)
	firstEvents := &eventLog{}
	first, err := f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "ml", Sink: firstEvents})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "stats", Sink: &eventLog{}})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	select {
	case <-first.Done():
	default:
		t.Fatal("first session should be ended before the second starts")
	}
	ended := firstEvents.waitFor(t, protocol.EventSessionEnded, nil)
	if ended.Data["reason"] != "replaced" {
		t.Fatalf("expected replaced, got %v", ended.Data["reason"])
	}
	if f.m.Active() != 1 {
		t.Fatalf("expected one live session, got %d", f.m.Active())
	}
	if got, err := f.m.Get(second.ID()); err != nil || got != second {
		t.Fatalf("second session not registered: %v", err)
	}
	if _, err := f.m.Get(first.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("first session still registered: %v", err)
	}
}

func TestManagerConcurrentStartsKeepOneSession(t *testing.T) {
	f := newManagerFixture(t)
	const starts = 8
	var wg sync.WaitGroup
	started := make([]*Dispatcher, starts)
	errs := make([]error, starts)
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started[i], errs[i] = f.m.Start(context.Background(), StartRequest{UserID: "u", CourseID: "ml", Sink: &eventLog{}})
		}(i)
	}
	wg.Wait()

	live := 0
	for i, d := range started {
		if errs[i] != nil {
			t.Fatalf("start %d: %v", i, errs[i])
		}
		select {
		case <-d.Done():
		default:
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live session for the user, got %d", live)
	}
	if f.m.Active() != 1 {
		t.Fatalf("expected one registered session, got %d", f.m.Active())
	}
}

func TestManagerEndAndClose(t *testing.T) {
	f := newManagerFixture(t)
	a, err := f.m.Start(context.Background(), StartRequest{UserID: "a", CourseID: "ml", Sink: &eventLog{}})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	bEvents := &eventLog{}
	if _, err := f.m.Start(context.Background(), StartRequest{UserID: "b", CourseID: "stats", Sink: bEvents}); err != nil {
		t.Fatalf("start b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.m.End(ctx, a.ID(), "client_end"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := f.m.End(ctx, a.ID(), "client_end"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ending twice should report not found, got %v", err)
	}

	f.m.Close()
	if f.m.Active() != 0 {
		t.Fatalf("sessions left after close: %d", f.m.Active())
	}
	if ended := bEvents.waitFor(t, protocol.EventSessionEnded, nil); ended.Data["reason"] != "shutdown" {
		t.Fatalf("expected shutdown, got %v", ended.Data["reason"])
	}
	if _, err := f.m.Start(context.Background(), StartRequest{UserID: "c", CourseID: "ml", Sink: &eventLog{}}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("start after close: %v", err)
	}
}
