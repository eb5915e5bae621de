package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stepSynth emits units chunks, pausing delay before each one.
type stepSynth struct {
	units int
	delay time.Duration
	err   error
}

func (s *stepSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < s.units; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(s.delay):
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- tts.SynthChunk{SessionID: req.SessionID, Sequence: i, PCM: []byte{1, 2}, Final: i == s.units-1}:
			}
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return chunks, errs
}

type recordingSink struct {
	mu      sync.Mutex
	writes  map[uint64]int
	active  int
	maxSeen int
	failOn  int
	onWrite func(taskID uint64, n int)
}

func newRecordingSink() *recordingSink {
	return &recordingSink{writes: make(map[uint64]int)}
}

func (r *recordingSink) WriteAudio(taskID uint64, _ Request, _ tts.SynthChunk) error {
	r.mu.Lock()
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	r.writes[taskID]++
	n := r.writes[taskID]
	hook := r.onWrite
	fail := r.failOn > 0 && n == r.failOn
	r.mu.Unlock()

	if hook != nil {
		hook(taskID, n)
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	if fail {
		return errors.New("client gone")
	}
	return nil
}

func (r *recordingSink) count(taskID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[taskID]
}

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (l *resultLog) add(r Result) {
	l.mu.Lock()
	l.results = append(l.results, r)
	l.mu.Unlock()
}

func (l *resultLog) forTask(id uint64) []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Result
	for _, r := range l.results {
		if r.TaskID == id {
			out = append(out, r)
		}
	}
	return out
}

func waitResult(t *testing.T, task *Task) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("task %d did not finish: %v", task.ID(), err)
	}
	return res
}

func TestTaskCompletes(t *testing.T) {
	sink := newRecordingSink()
	log := &resultLog{}
	c := NewController(&stepSynth{units: 3}, sink, log.add, newLogger())

	task := c.Start(context.Background(), Request{SessionID: "s1", Text: "hello there", Purpose: PurposeLecture, Segment: 0})
	res := waitResult(t, task)
	if res.Outcome != Completed {
		t.Fatalf("expected completed, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Units != 3 || sink.count(task.ID()) != 3 {
		t.Fatalf("expected 3 units, got %d/%d", res.Units, sink.count(task.ID()))
	}
	if res.Request.Segment != 0 || res.Request.Purpose != PurposeLecture {
		t.Fatalf("result should carry the request, got %+v", res.Request)
	}
	time.Sleep(10 * time.Millisecond)
	if got := len(log.forTask(task.ID())); got != 1 {
		t.Fatalf("expected exactly one completion callback, got %d", got)
	}
}

func TestCancelStopsAudioImmediately(t *testing.T) {
	sink := newRecordingSink()
	second := make(chan struct{})
	var once sync.Once
	sink.onWrite = func(_ uint64, n int) {
		if n == 2 {
			once.Do(func() { close(second) })
		}
	}
	c := NewController(&stepSynth{units: 50, delay: time.Millisecond}, sink, nil, newLogger())

	task := c.Start(context.Background(), Request{SessionID: "s1", Text: "a long lecture"})
	<-second
	task.Cancel()
	after := sink.count(task.ID())

	res := waitResult(t, task)
	if res.Outcome != Cancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	time.Sleep(20 * time.Millisecond)
	if got := sink.count(task.ID()); got != after {
		t.Fatalf("audio written after cancel: %d -> %d", after, got)
	}
	if res.Units != after {
		t.Fatalf("result units %d disagree with sink writes %d", res.Units, after)
	}
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	log := &resultLog{}
	c := NewController(&stepSynth{units: 1}, newRecordingSink(), log.add, newLogger())
	task := c.Start(context.Background(), Request{SessionID: "s1", Text: "short"})
	res := waitResult(t, task)
	if res.Outcome != Completed {
		t.Fatalf("expected completed, got %s", res.Outcome)
	}

	task.Cancel()
	task.Cancel()
	if got := task.Result().Outcome; got != Completed {
		t.Fatalf("cancel after completion changed outcome to %s", got)
	}
	time.Sleep(10 * time.Millisecond)
	if got := len(log.forTask(task.ID())); got != 1 {
		t.Fatalf("expected one callback, got %d", got)
	}

	var nilTask *Task
	nilTask.Cancel()
}

func TestImmediateCancelReachesTerminalState(t *testing.T) {
	c := NewController(&stepSynth{units: 10, delay: 5 * time.Millisecond}, newRecordingSink(), nil, newLogger())
	for i := 0; i < 20; i++ {
		task := c.Start(context.Background(), Request{SessionID: "s1", Text: "x"})
		task.Cancel()
		res := waitResult(t, task)
		if res.Outcome != Cancelled && res.Outcome != Completed {
			t.Fatalf("unexpected outcome %s", res.Outcome)
		}
	}
}

func TestStartReplacesPreviousTask(t *testing.T) {
	sink := newRecordingSink()
	c := NewController(&stepSynth{units: 100, delay: time.Millisecond}, sink, nil, newLogger())

	first := c.Start(context.Background(), Request{SessionID: "s1", Text: "first"})
	time.Sleep(5 * time.Millisecond)
	second := c.Start(context.Background(), Request{SessionID: "s1", Text: "second"})

	if !first.Finished() {
		t.Fatal("previous task must be finished before the next starts")
	}
	if first.Result().Outcome != Cancelled {
		t.Fatalf("expected first cancelled, got %s", first.Result().Outcome)
	}
	if c.Current() != second {
		t.Fatal("current task should be the second one")
	}
	c.Stop()
	if !second.Finished() || c.Active() {
		t.Fatal("Stop must leave no active task")
	}
}

func TestSynthFailureIsReported(t *testing.T) {
	boom := errors.New("tts offline")
	c := NewController(&stepSynth{units: 1, err: boom}, newRecordingSink(), nil, newLogger())
	res := waitResult(t, c.Start(context.Background(), Request{SessionID: "s1", Text: "hi"}))
	if res.Outcome != Failed || !errors.Is(res.Err, boom) {
		t.Fatalf("expected failed with %v, got %s %v", boom, res.Outcome, res.Err)
	}
}

func TestSinkFailureIsReported(t *testing.T) {
	sink := newRecordingSink()
	sink.failOn = 2
	c := NewController(&stepSynth{units: 5}, sink, nil, newLogger())
	res := waitResult(t, c.Start(context.Background(), Request{SessionID: "s1", Text: "hi"}))
	if res.Outcome != Failed || res.Err == nil {
		t.Fatalf("expected sink failure, got %s", res.Outcome)
	}
	if res.Units != 2 {
		t.Fatalf("expected failure on unit 2, got %d", res.Units)
	}
}

func TestEmptyTextFails(t *testing.T) {
	c := NewController(&stepSynth{units: 1}, newRecordingSink(), nil, newLogger())
	res := waitResult(t, c.Start(context.Background(), Request{SessionID: "s1"}))
	if res.Outcome != Failed || !errors.Is(res.Err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %s %v", res.Outcome, res.Err)
	}
}

func TestAtMostOneActiveTaskUnderRandomInterleavings(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sink := newRecordingSink()
	c := NewController(&stepSynth{units: 4, delay: 200 * time.Microsecond}, sink, nil, newLogger())

	var tasks []*Task
	for i := 0; i < 300; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			tasks = append(tasks, c.Start(context.Background(), Request{SessionID: "s1", Text: "segment"}))
		case 2:
			if len(tasks) > 0 {
				tasks[rng.Intn(len(tasks))].Cancel()
			}
		case 3:
			time.Sleep(time.Duration(rng.Intn(500)) * time.Microsecond)
		}
		running := 0
		for _, task := range tasks {
			if !task.Finished() {
				running++
			}
		}
		if running > 1 {
			t.Fatalf("step %d: %d tasks running", i, running)
		}
	}
	c.Stop()
	for _, task := range tasks {
		waitResult(t, task)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.maxSeen > 1 {
		t.Fatalf("sink saw %d concurrent writers", sink.maxSeen)
	}
}

// stuckSynth ignores ctx and holds its channels open until release is closed.
type stuckSynth struct {
	release chan struct{}
}

func (s *stuckSynth) Synthesize(_ context.Context, _ tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk)
	errs := make(chan error, 1)
	go func() {
		<-s.release
		close(chunks)
		close(errs)
	}()
	return chunks, errs
}

func TestCancelDoesNotWaitForSynthesizer(t *testing.T) {
	synth := &stuckSynth{release: make(chan struct{})}
	defer close(synth.release)
	ctrl := NewController(synth, newRecordingSink(), nil, newLogger())

	task := ctrl.Start(context.Background(), Request{SessionID: "s-1", Text: "hello there", Purpose: PurposeLecture})
	task.Cancel()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled task stayed open while the synthesizer was stuck")
	}
	if res := task.Result(); res.Outcome != Cancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}

	// The next start must not block on the stuck one either.
	started := make(chan *Task, 1)
	go func() { started <- ctrl.Start(context.Background(), Request{SessionID: "s-1", Text: "again", Purpose: PurposeLecture}) }()
	select {
	case next := <-started:
		next.Cancel()
	case <-time.After(time.Second):
		t.Fatal("Start blocked behind a stuck synthesizer")
	}
}
