package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/llm"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/nats-io/nats.go"
)

// GeneratorBackend answers directly with a language model, passing the
// recent conversation as [USER]/[ASSISTANT] lines.
type GeneratorBackend struct {
	gen llm.Generator
	cfg config.LLMConfig
}

func NewGeneratorBackend(gen llm.Generator, cfg config.LLMConfig) *GeneratorBackend {
	return &GeneratorBackend{gen: gen, cfg: cfg}
}

func (g *GeneratorBackend) Answer(ctx context.Context, q Query) (string, error) {
	req := llm.RequestFromConfig(g.cfg, q.SessionID, conversationPrompt(q, nil))
	return llm.Complete(ctx, g.gen, req)
}

func conversationPrompt(q Query, passages []Passage) string {
	var b strings.Builder
	if q.TopicTitle != "" {
		fmt.Fprintf(&b, "The listener is studying %q", q.TopicTitle)
		if q.CourseID != "" {
			fmt.Fprintf(&b, " in course %s", q.CourseID)
		}
		b.WriteString(".\n")
	}
	if len(passages) > 0 {
		b.WriteString("Use the following course material to answer:\n")
		for _, p := range passages {
			fmt.Fprintf(&b, "- %s: %s\n", p.Title, p.Text)
		}
	}
	for _, t := range q.Context {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(t.Role))
		b.WriteString("] ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("[USER] ")
	b.WriteString(q.Question)
	return b.String()
}

// Passage is a piece of course material that can ground an answer.
type Passage struct {
	Title string
	Text  string
}

// PassageSource lists the passages of a course.
type PassageSource func(courseID string) []Passage

// ErrNoPassages means retrieval found nothing relevant.
var ErrNoPassages = errors.New("answer: no relevant course material")

// LocalRetrieval ranks course passages by term overlap and asks the model to
// answer from the best ones.
type LocalRetrieval struct {
	source PassageSource
	gen    llm.Generator
	cfg    config.LLMConfig
	topK   int
}

func NewLocalRetrieval(source PassageSource, gen llm.Generator, cfg config.LLMConfig, topK int) *LocalRetrieval {
	if topK <= 0 {
		topK = 3
	}
	return &LocalRetrieval{source: source, gen: gen, cfg: cfg, topK: topK}
}

func (l *LocalRetrieval) Answer(ctx context.Context, q Query) (string, error) {
	passages := l.Search(q.CourseID, q.Question)
	if len(passages) == 0 {
		return "", ErrNoPassages
	}
	req := llm.RequestFromConfig(l.cfg, q.SessionID, conversationPrompt(q, passages))
	return llm.Complete(ctx, l.gen, req)
}

// Search returns up to topK passages sharing at least one term with question.
func (l *LocalRetrieval) Search(courseID, question string) []Passage {
	qTerms := Terms(question)
	if len(qTerms) == 0 || l.source == nil {
		return nil
	}
	type scored struct {
		p     Passage
		score int
	}
	var hits []scored
	for _, p := range l.source(courseID) {
		n := len(Overlap(question, Terms(p.Title+" "+p.Text)))
		if n > 0 {
			hits = append(hits, scored{p: p, score: n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > l.topK {
		hits = hits[:l.topK]
	}
	out := make([]Passage, len(hits))
	for i, h := range hits {
		out[i] = h.p
	}
	return out
}

// BusRetrieval asks a knowledge service over NATS request/reply.
type BusRetrieval struct {
	client  *bus.Client
	subject string
}

func NewBusRetrieval(client *bus.Client, subject string) *BusRetrieval {
	if subject == "" {
		subject = protocol.SubjectRetrievalQuery
	}
	return &BusRetrieval{client: client, subject: subject}
}

func (b *BusRetrieval) Answer(ctx context.Context, q Query) (string, error) {
	req := protocol.RetrievalRequest{
		Question: q.Question,
		CourseID: q.CourseID,
		Topic:    q.TopicTitle,
	}
	for _, t := range q.Context {
		req.Context = append(req.Context, "["+strings.ToUpper(t.Role)+"] "+t.Text)
	}
	var resp protocol.RetrievalResponse
	if err := b.client.RequestJSON(ctx, b.subject, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("knowledge service: %s", resp.Error)
	}
	return resp.Answer, nil
}

// ServeRetrieval answers knowledge queries on subject with backend. Replies
// are sent from a queue group so several tutord instances can share the load.
// Each query gets at most timeout; a non-positive timeout uses the default
// answer timeout.
func ServeRetrieval(ctx context.Context, client *bus.Client, subject string, backend Backend, timeout time.Duration, logger *slog.Logger) (*nats.Subscription, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if subject == "" {
		subject = protocol.SubjectRetrievalQuery
	}
	logger = logger.With(slog.String("component", "knowledge"))
	return client.Conn().QueueSubscribe(subject, "loqa-tutor-knowledge", func(msg *nats.Msg) {
		var req protocol.RetrievalRequest
		var resp protocol.RetrievalResponse
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp.Error = "malformed request"
		} else {
			q := Query{
				Question:   req.Question,
				Context:    parseContext(req.Context),
				CourseID:   req.CourseID,
				TopicTitle: req.Topic,
			}
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			text, err := backend.Answer(callCtx, q)
			cancel()
			if err != nil {
				logger.Debug("knowledge query failed", slog.String("error", err.Error()))
				resp.Error = err.Error()
			}
			resp.Answer = text
		}
		data, err := json.Marshal(resp)
		if err != nil {
			logger.Warn("encode knowledge reply failed", slog.String("error", err.Error()))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("knowledge reply failed", slog.String("error", err.Error()))
		}
	})
}

// parseContext reverses the "[ROLE] text" lines BusRetrieval sends.
func parseContext(lines []string) []Turn {
	var turns []Turn
	for _, line := range lines {
		role, text := "user", line
		if strings.HasPrefix(line, "[") {
			if end := strings.Index(line, "] "); end > 0 {
				role, text = strings.ToLower(line[1:end]), line[end+2:]
			}
		}
		turns = append(turns, Turn{Role: role, Text: text})
	}
	return turns
}
