package answer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingBackend struct {
	calls atomic.Int32
	reply string
	err   error
	delay time.Duration
}

func (c *countingBackend) Answer(ctx context.Context, q Query) (string, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.delay):
		}
	}
	return c.reply, c.err
}

var mlTopic = Terms("Introduction to machine learning. Machine learning models learn patterns from training data using gradient descent.")

func TestTermsDropStopwordsAndShortWords(t *testing.T) {
	got := Terms("What is the role of an AI in networks?")
	want := map[string]bool{"role": true, "network": true}
	if len(got) != len(want) {
		t.Fatalf("unexpected terms %q", got)
	}
	for _, term := range got {
		if !want[term] {
			t.Fatalf("unexpected term %q in %q", term, got)
		}
	}
}

func TestRouteSingleCommonWordGoesDirect(t *testing.T) {
	r := NewRouter(&countingBackend{}, &countingBackend{}, Options{}, newLogger())
	route, shared := r.Route("how does a washing machine work", mlTopic)
	if route != RouteDirect {
		t.Fatalf("expected direct route, got %s (overlap %q)", route, shared)
	}
	if len(shared) != 1 || shared[0] != "machine" {
		t.Fatalf("expected single overlap on machine, got %q", shared)
	}
}

func TestRouteTwoTermsGoesToRetrieval(t *testing.T) {
	r := NewRouter(&countingBackend{}, &countingBackend{}, Options{}, newLogger())
	route, shared := r.Route("how does gradient descent train a model", mlTopic)
	if route != RouteRetrieval {
		t.Fatalf("expected retrieval route, got %s (overlap %q)", route, shared)
	}
	if len(shared) < 2 {
		t.Fatalf("expected at least two shared terms, got %q", shared)
	}
}

func TestRouteThresholdIsConfigurable(t *testing.T) {
	r := NewRouter(&countingBackend{}, &countingBackend{}, Options{MinOverlap: 1}, newLogger())
	if route, _ := r.Route("how does a washing machine work", mlTopic); route != RouteRetrieval {
		t.Fatalf("expected retrieval with threshold 1, got %s", route)
	}
	noRetrieval := NewRouter(nil, &countingBackend{}, Options{}, newLogger())
	if route, _ := noRetrieval.Route("gradient descent training data", mlTopic); route != RouteDirect {
		t.Fatalf("expected direct when retrieval is not configured, got %s", route)
	}
}

func TestAnswerUsesChosenBackend(t *testing.T) {
	retrieval := &countingBackend{reply: "from the course"}
	direct := &countingBackend{reply: "from the model"}
	r := NewRouter(retrieval, direct, Options{}, newLogger())

	got := r.Answer(context.Background(), Query{Question: "explain gradient descent training"}, mlTopic)
	if got.Route != RouteRetrieval || got.Text != "from the course" || got.Degraded {
		t.Fatalf("unexpected answer %+v", got)
	}
	got = r.Answer(context.Background(), Query{Question: "what time is it in Tokyo"}, mlTopic)
	if got.Route != RouteDirect || got.Text != "from the model" {
		t.Fatalf("unexpected answer %+v", got)
	}
	if retrieval.calls.Load() != 1 || direct.calls.Load() != 1 {
		t.Fatalf("unexpected call counts retrieval=%d direct=%d", retrieval.calls.Load(), direct.calls.Load())
	}
}

func TestRetrievalFailureDegradesOnce(t *testing.T) {
	retrieval := &countingBackend{err: errors.New("index offline")}
	direct := &countingBackend{reply: "direct answer"}
	r := NewRouter(retrieval, direct, Options{}, newLogger())

	got := r.Answer(context.Background(), Query{Question: "gradient descent on training data"}, mlTopic)
	if got.Route != RouteDirect || !got.Degraded || got.Text != "direct answer" {
		t.Fatalf("expected degraded direct answer, got %+v", got)
	}
	if retrieval.calls.Load() != 1 || direct.calls.Load() != 1 {
		t.Fatalf("expected one call each, got retrieval=%d direct=%d", retrieval.calls.Load(), direct.calls.Load())
	}
}

func TestTimeoutFallsBackToApology(t *testing.T) {
	slow := &countingBackend{reply: "too late", delay: time.Second}
	r := NewRouter(slow, slow, Options{Timeout: 20 * time.Millisecond, Apology: "Sorry about that."}, newLogger())

	start := time.Now()
	got := r.Answer(context.Background(), Query{Question: "gradient descent training data"}, mlTopic)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("answer took %s; timeouts not enforced", elapsed)
	}
	if got.Route != RouteFallback || got.Text != "Sorry about that." {
		t.Fatalf("expected apology fallback, got %+v", got)
	}
	if !errors.Is(got.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", got.Err)
	}
}

func TestBackendIgnoringContextIsStillBounded(t *testing.T) {
	stuck := BackendFunc(func(ctx context.Context, q Query) (string, error) {
		time.Sleep(300 * time.Millisecond)
		return "late", nil
	})
	r := NewRouter(nil, stuck, Options{Timeout: 20 * time.Millisecond}, newLogger())
	start := time.Now()
	got := r.Answer(context.Background(), Query{Question: "anything"}, nil)
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("router waited on a backend that ignores its context")
	}
	if got.Route != RouteFallback || got.Text != DefaultApology {
		t.Fatalf("expected default apology, got %+v", got)
	}
}

func TestEmptyReplyIsAFailure(t *testing.T) {
	r := NewRouter(nil, &countingBackend{reply: "   "}, Options{}, newLogger())
	got := r.Answer(context.Background(), Query{Question: "why"}, nil)
	if got.Route != RouteFallback || !errors.Is(got.Err, ErrEmptyAnswer) {
		t.Fatalf("expected fallback on empty reply, got %+v", got)
	}
}

func TestConversationPromptLabels(t *testing.T) {
	q := Query{
		Question:   "and channels?",
		TopicTitle: "Goroutines",
		Context:    []Turn{{Role: "user", Text: "what is a goroutine"}, {Role: "assistant", Text: "a lightweight thread"}},
	}
	prompt := conversationPrompt(q, nil)
	if !strings.Contains(prompt, "[USER] what is a goroutine\n[ASSISTANT] a lightweight thread\n") {
		t.Fatalf("missing labelled history in %q", prompt)
	}
	if !strings.HasSuffix(prompt, "[USER] and channels?") {
		t.Fatalf("prompt must end with the question, got %q", prompt)
	}
}
