// Package answer decides how a listener's question gets answered and calls
// the chosen backend under a deadline.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Route tags where an answer came from.
type Route string

const (
	RouteRetrieval Route = "retrieval"
	RouteDirect    Route = "direct"
	RouteFallback  Route = "fallback"
)

const (
	DefaultMinOverlap = 2
	DefaultTimeout    = 8 * time.Second
	DefaultApology    = "Sorry, I couldn't find an answer to that right now."
)

// Turn is one entry of the recent conversation.
type Turn struct {
	Role string
	Text string
}

// Query is what a backend needs to answer a question.
type Query struct {
	SessionID  string
	Question   string
	Context    []Turn
	CourseID   string
	TopicTitle string
}

// Backend produces answer text. Implementations must honour ctx.
type Backend interface {
	Answer(ctx context.Context, q Query) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, q Query) (string, error)

func (f BackendFunc) Answer(ctx context.Context, q Query) (string, error) { return f(ctx, q) }

// Answer is the router's result.
type Answer struct {
	Text    string
	Route   Route
	Overlap []string
	// Degraded is set when the chosen path failed and another produced the text.
	Degraded bool
	// Err is the last backend error, if any.
	Err error
}

type Options struct {
	MinOverlap int
	Timeout    time.Duration
	Apology    string
}

// Router chooses between retrieval and direct answering.
type Router struct {
	retrieval  Backend
	direct     Backend
	minOverlap int
	timeout    time.Duration
	apology    string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewRouter builds a router. retrieval may be nil, in which case every
// question is answered directly.
func NewRouter(retrieval, direct Backend, opts Options, logger *slog.Logger) *Router {
	if opts.MinOverlap <= 0 {
		opts.MinOverlap = DefaultMinOverlap
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(opts.Apology) == "" {
		opts.Apology = DefaultApology
	}
	return &Router{
		retrieval:  retrieval,
		direct:     direct,
		minOverlap: opts.MinOverlap,
		timeout:    opts.Timeout,
		apology:    opts.Apology,
		logger:     logger.With(slog.String("component", "answer")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-tutor/internal/answer"),
	}
}

// Route picks retrieval only when the question shares at least MinOverlap
// significant terms with the current topic.
func (r *Router) Route(question string, topicTerms []string) (Route, []string) {
	shared := Overlap(question, topicTerms)
	if r.retrieval != nil && len(shared) >= r.minOverlap {
		return RouteRetrieval, shared
	}
	return RouteDirect, shared
}

// Answer routes q and returns text to speak. It never returns empty text:
// when every backend fails or times out the apology is used.
func (r *Router) Answer(ctx context.Context, q Query, topicTerms []string) Answer {
	route, shared := r.Route(q.Question, topicTerms)
	ctx, span := r.tracer.Start(ctx, "answer.route", trace.WithAttributes(
		attribute.String("session_id", q.SessionID),
		attribute.String("route.chosen", string(route)),
		attribute.Int("overlap", len(shared)),
	))
	defer span.End()

	res := Answer{Overlap: shared}
	if route == RouteRetrieval {
		text, err := r.call(ctx, r.retrieval, q)
		if err == nil {
			res.Text, res.Route = text, RouteRetrieval
			span.SetAttributes(attribute.String("route", string(res.Route)))
			return res
		}
		r.logger.Warn("retrieval answer failed; answering directly",
			slog.String("session_id", q.SessionID), slog.String("error", err.Error()))
		res.Degraded = true
		res.Err = err
	}

	text, err := r.call(ctx, r.direct, q)
	if err == nil {
		res.Text, res.Route = text, RouteDirect
		span.SetAttributes(attribute.String("route", string(res.Route)))
		return res
	}
	r.logger.Warn("direct answer failed; using apology",
		slog.String("session_id", q.SessionID), slog.String("error", err.Error()))
	span.RecordError(err)
	span.SetStatus(codes.Error, "answer backends failed")
	res.Text, res.Route, res.Degraded, res.Err = r.apology, RouteFallback, true, err
	span.SetAttributes(attribute.String("route", string(res.Route)))
	return res
}

// ErrEmptyAnswer is returned when a backend replies with no text.
var ErrEmptyAnswer = errors.New("answer: backend returned empty text")

func (r *Router) call(ctx context.Context, b Backend, q Query) (string, error) {
	if b == nil {
		return "", errors.New("answer: backend not configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		text, err := b.Answer(callCtx, q)
		ch <- reply{text: text, err: err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return "", rep.err
		}
		text := strings.TrimSpace(rep.text)
		if text == "" {
			return "", ErrEmptyAnswer
		}
		return text, nil
	case <-callCtx.Done():
		return "", fmt.Errorf("answer backend: %w", callCtx.Err())
	}
}
