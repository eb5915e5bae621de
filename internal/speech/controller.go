// Package speech owns cancellable speech output. A Controller runs at most one
// Task at a time; each Task streams synthesizer chunks to an AudioSink and
// always ends in exactly one terminal Outcome.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-tutor/internal/tts"
)

// Purpose tells the sink what the audio belongs to.
type Purpose string

const (
	PurposeLecture Purpose = "lecture"
	PurposeAnswer  Purpose = "answer"
	PurposePrompt  Purpose = "prompt"
)

// Request carries values only; the controller never sees session state.
type Request struct {
	SessionID string
	Text      string
	Voice     string
	Purpose   Purpose
	// Segment is the lecture segment index, or -1.
	Segment int
}

// Outcome is the terminal state of a Task.
type Outcome string

const (
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
	Failed    Outcome = "failed"
)

// Result reports how a Task ended.
type Result struct {
	TaskID  uint64
	Request Request
	Outcome Outcome
	Err     error
	// Units is the number of audio chunks written to the sink.
	Units int
}

// AudioSink receives synthesized audio. WriteAudio is never called for a task
// after that task's Cancel has returned.
type AudioSink interface {
	WriteAudio(taskID uint64, req Request, chunk tts.SynthChunk) error
}

// ErrEmptyText is reported when a request has nothing to say.
var ErrEmptyText = errors.New("speech: empty text")

// Controller starts and cancels output tasks.
type Controller struct {
	synth  tts.Synthesizer
	sink   AudioSink
	onDone func(Result)
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	current *Task
}

// NewController builds a controller. onDone, if set, is called once per task
// after it reaches a terminal state, from the task's goroutine.
func NewController(synth tts.Synthesizer, sink AudioSink, onDone func(Result), logger *slog.Logger) *Controller {
	return &Controller{
		synth:  synth,
		sink:   sink,
		onDone: onDone,
		logger: logger.With(slog.String("component", "speech")),
	}
}

// Start cancels and awaits the current task, then starts a new one.
func (c *Controller) Start(ctx context.Context, req Request) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.current; prev != nil {
		prev.Cancel()
		<-prev.Done()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:     c.nextID.Add(1),
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.current = t
	go c.run(taskCtx, t)
	return t
}

// Current returns the most recently started task, which may already be done.
func (c *Controller) Current() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Active reports whether a task is still running.
func (c *Controller) Active() bool {
	t := c.Current()
	return t != nil && !t.Finished()
}

// Stop cancels the current task, if any, and waits for it to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.Cancel()
	<-t.Done()
}

func (c *Controller) run(ctx context.Context, t *Task) {
	res := c.pump(ctx, t)
	t.finish(res)
	if res.Outcome == Failed {
		c.logger.Warn("speech output failed",
			slog.String("session_id", t.req.SessionID),
			slog.Uint64("task_id", t.id),
			slog.String("error", res.Err.Error()))
	}
	if c.onDone != nil {
		c.onDone(res)
	}
}

func (c *Controller) pump(ctx context.Context, t *Task) Result {
	res := Result{TaskID: t.id, Request: t.req}
	defer t.cancel()

	if t.req.Text == "" {
		res.Outcome = Failed
		res.Err = ErrEmptyText
		return res
	}

	chunks, errs := c.synth.Synthesize(ctx, tts.SynthRequest{
		SessionID: t.req.SessionID,
		Text:      t.req.Text,
		Voice:     t.req.Voice,
	})

	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			// Cancellation never waits for the synthesizer to wind down.
			res.Outcome = Cancelled
			return res
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			written, err := t.write(c.sink, chunk)
			if !written {
				res.Outcome = Cancelled
				return res
			}
			res.Units++
			if err != nil {
				res.Outcome = Failed
				res.Err = err
				return res
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && synthErr == nil {
				synthErr = err
			}
		}
	}

	switch {
	case t.isCancelled():
		res.Outcome = Cancelled
	case synthErr != nil:
		res.Outcome = Failed
		res.Err = synthErr
	default:
		res.Outcome = Completed
	}
	return res
}

// Task is a handle to one output operation.
type Task struct {
	id     uint64
	req    Request
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	result    Result
}

func (t *Task) ID() uint64 { return t.id }

func (t *Task) Request() Request { return t.req }

// Cancel stops the task. It is idempotent and safe after completion; once it
// returns no further audio for the task reaches the sink.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Finished reports whether the task has reached a terminal state.
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task ends or ctx is done.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the terminal result; it is zero until Done is closed.
func (t *Task) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// write delivers one chunk under the task lock so Cancel cannot interleave.
func (t *Task) write(sink AudioSink, chunk tts.SynthChunk) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false, nil
	}
	return true, sink.WriteAudio(t.id, t.req, chunk)
}

func (t *Task) finish(res Result) {
	t.mu.Lock()
	t.result = res
	t.mu.Unlock()
	close(t.done)
}
