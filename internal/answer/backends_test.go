package answer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/llm"
	"github.com/loqalabs/loqa-tutor/internal/natsserver"
)

func coursePassages(courseID string) []Passage {
	if courseID != "ml-101" {
		return nil
	}
	return []Passage{
		{Title: "Gradient descent", Text: "Gradient descent updates model weights against the loss gradient."},
		{Title: "Overfitting", Text: "Overfitting happens when a model memorizes its training data."},
		{Title: "History", Text: "The perceptron dates back to the fifties."},
	}
}

func TestLocalRetrievalSearch(t *testing.T) {
	lr := NewLocalRetrieval(coursePassages, llm.NewMockGenerator(), config.LLMConfig{}, 1)
	hits := lr.Search("ml-101", "why does gradient descent follow the loss gradient")
	if len(hits) != 1 || hits[0].Title != "Gradient descent" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if hits := lr.Search("other", "gradient descent"); len(hits) != 0 {
		t.Fatalf("expected no hits for unknown course, got %+v", hits)
	}
}

func TestLocalRetrievalAnswer(t *testing.T) {
	lr := NewLocalRetrieval(coursePassages, llm.NewMockGenerator(), config.LLMConfig{}, 2)
	text, err := lr.Answer(context.Background(), Query{CourseID: "ml-101", Question: "what is overfitting"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !strings.Contains(text, "what is overfitting") {
		t.Fatalf("unexpected answer %q", text)
	}
	if _, err := lr.Answer(context.Background(), Query{CourseID: "ml-101", Question: "tell me about Tokyo"}); !errors.Is(err, ErrNoPassages) {
		t.Fatalf("expected ErrNoPassages, got %v", err)
	}
}

func connectBus(t *testing.T, ctx context.Context) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "answer-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusRetrievalRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := connectBus(t, ctx)

	local := NewLocalRetrieval(coursePassages, llm.NewMockGenerator(), config.LLMConfig{}, 2)
	sub, err := ServeRetrieval(ctx, client, "", local, time.Second, newLogger())
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	remote := NewBusRetrieval(client, "")
	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	text, err := remote.Answer(callCtx, Query{CourseID: "ml-101", Question: "what is overfitting"})
	if err != nil {
		t.Fatalf("bus answer: %v", err)
	}
	if !strings.Contains(text, "overfitting") {
		t.Fatalf("unexpected answer %q", text)
	}

	if _, err := remote.Answer(callCtx, Query{CourseID: "ml-101", Question: "tell me about Tokyo"}); err == nil {
		t.Fatal("expected remote error to surface")
	}
}

func TestServeRetrievalBoundsSlowBackends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := connectBus(t, ctx)

	type call struct {
		q           Query
		hadDeadline bool
	}
	calls := make(chan call, 1)
	slow := BackendFunc(func(ctx context.Context, q Query) (string, error) {
		_, ok := ctx.Deadline()
		calls <- call{q: q, hadDeadline: ok}
		<-ctx.Done()
		return "", ctx.Err()
	})
	sub, err := ServeRetrieval(ctx, client, "test.knowledge", slow, 100*time.Millisecond, newLogger())
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	began := time.Now()
	_, err = NewBusRetrieval(client, "test.knowledge").Answer(callCtx, Query{
		CourseID: "ml-101",
		Question: "why",
		Context:  []Turn{{Role: "user", Text: "what is a weight"}, {Role: "assistant", Text: "a number"}},
	})
	if err == nil || !strings.Contains(err.Error(), "deadline") {
		t.Fatalf("expected the served deadline to surface, got %v", err)
	}
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("slow backend held the reply for %s", elapsed)
	}
	c := <-calls
	if !c.hadDeadline {
		t.Fatal("backend ran without a deadline")
	}
	got := c.q
	if len(got.Context) != 2 || got.Context[0] != (Turn{Role: "user", Text: "what is a weight"}) || got.Context[1].Role != "assistant" {
		t.Fatalf("conversation context not forwarded: %+v", got.Context)
	}
}
