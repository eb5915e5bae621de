package teaching

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/answer"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/speech"
)

// TriggerKind names what caused a dispatch.
type TriggerKind string

const (
	TriggerStart           TriggerKind = "start"
	TriggerSpeechStarted   TriggerKind = "speech-started"
	TriggerFinalTranscript TriggerKind = "final-transcript"
	TriggerCommand         TriggerKind = "command"
	TriggerIdleWarning     TriggerKind = "idle-warning"
	TriggerIdleTimeout     TriggerKind = "idle-timeout"
	TriggerOutputCompleted TriggerKind = "output-completed"
	TriggerOutputFailed    TriggerKind = "output-failed"
	TriggerAnswerReady     TriggerKind = "answer-ready"
	TriggerEnd             TriggerKind = "end"
)

// Trigger is one input to a session's dispatcher.
type Trigger struct {
	Kind    TriggerKind
	Text    string
	Command protocol.Command
	// Output is set for output-completed and output-failed.
	Output speech.Result
	// Answer and AnswerSeq are set for answer-ready.
	Answer    answer.Answer
	AnswerSeq uint64
	Reason    string
	At        time.Time
}

// EffectKind names a side effect produced by a transition.
type EffectKind string

const (
	EffectEmit         EffectKind = "emit"
	EffectSpeak        EffectKind = "speak"
	EffectCancelOutput EffectKind = "cancel-output"
	EffectAnswer       EffectKind = "answer"
	EffectSnapshot     EffectKind = "snapshot"
	EffectAppendTurn   EffectKind = "append-turn"
	EffectMarkTopic    EffectKind = "mark-topic"
	EffectMarkCourse   EffectKind = "mark-course"
	EffectTeardown     EffectKind = "teardown"
)

// Effect is applied by the run loop after the transition that produced it
// has been committed to the session.
type Effect struct {
	Kind      EffectKind
	Event     protocol.Event
	Speech    speech.Request
	Query     answer.Query
	Terms     []string
	AnswerSeq uint64
	Turn      eventstore.Turn
	Topic     eventstore.TopicRef
	CourseID  string
	Reason    string
}

// triggerQueue is an unbounded FIFO. push never blocks and fails once the
// queue is closed, which is how late callbacks learn the session is gone.
type triggerQueue struct {
	mu     sync.Mutex
	items  []Trigger
	closed bool
	notify chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{notify: make(chan struct{}, 1)}
}

func (q *triggerQueue) push(t Trigger) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a trigger is available or the queue is closed.
func (q *triggerQueue) pop() (Trigger, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Trigger{}, false
		}
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = Trigger{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *triggerQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *triggerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
