package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-tutor/internal/answer"
	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/eventstore"
	"github.com/loqalabs/loqa-tutor/internal/gateway"
	"github.com/loqalabs/loqa-tutor/internal/intent"
	"github.com/loqalabs/loqa-tutor/internal/llm"
	"github.com/loqalabs/loqa-tutor/internal/natsserver"
	"github.com/loqalabs/loqa-tutor/internal/presence"
	"github.com/loqalabs/loqa-tutor/internal/stt"
	"github.com/loqalabs/loqa-tutor/internal/teaching"
	"github.com/loqalabs/loqa-tutor/internal/tts"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	catalog     *course.Catalog
	stt         *stt.Service
	knowledge   *nats.Subscription
	persister   *teaching.Persister
	sessions    *teaching.Manager
	presence    *presence.Registry
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startInfrastructure(ctx); err != nil {
		r.shutdown()
		return err
	}
	if err := r.startTeaching(ctx); err != nil {
		r.shutdown()
		return err
	}
	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.bus, r.capabilities(), r.sessions.Active, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("join presence: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.router(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Int("courses", len(r.catalog.IDs())),
		slog.Bool("stt_enabled", r.cfg.STT.Enabled))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startInfrastructure(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.nats = embedded
	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.catalog, err = course.LoadDir(r.cfg.Courses.Directory)
	if err != nil {
		return fmt.Errorf("load courses: %w", err)
	}
	return nil
}

func (r *Runtime) startTeaching(ctx context.Context) error {
	classifier := intent.NewKeywordClassifier(r.cfg.Teaching.LongUtteranceWords)
	if path := r.cfg.Teaching.PhrasesFile; path != "" {
		phrases, err := intent.LoadPhraseFile(path)
		if err != nil {
			return err
		}
		if err := phrases.Apply(classifier); err != nil {
			return err
		}
		r.logger.Info("intent phrases loaded", slog.String("path", path))
	}

	var feeds teaching.FeedFactory
	if r.cfg.STT.Enabled {
		recognizer, err := newRecognizer(r.cfg.STT)
		if err != nil {
			return err
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.logger)
		if err := r.stt.Start(); err != nil {
			return fmt.Errorf("start stt: %w", err)
		}
		client, logger := r.bus, r.logger
		feeds = func(sessionID string) stt.Feed { return stt.NewBusFeed(client, sessionID, logger) }
	}

	synth, err := newSynthesizer(r.cfg.TTS)
	if err != nil {
		return err
	}

	answers, err := r.newAnswerRouter(ctx)
	if err != nil {
		return err
	}

	metrics, err := teaching.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("register teaching metrics: %w", err)
	}

	r.persister = teaching.NewPersister(r.store, r.cfg.Teaching.PersistQueue, r.logger)
	deps := teaching.Deps{
		Classifier: classifier,
		Answers:    answers,
		Curriculum: r.catalog,
		Synth:      synth,
		Recorder:   r.persister,
		Metrics:    metrics,
	}
	r.sessions = teaching.NewManager(ctx, deps, teaching.OptionsFromConfig(r.cfg.Teaching), r.store, feeds, r.logger)
	return nil
}

func (r *Runtime) newAnswerRouter(ctx context.Context) (*answer.Router, error) {
	gen, err := llm.New(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	direct := answer.NewGeneratorBackend(gen, r.cfg.LLM)
	local := answer.NewLocalRetrieval(coursePassages(r.catalog), gen, r.cfg.LLM, r.cfg.Retrieval.TopK)

	var retrieval answer.Backend = local
	if r.cfg.Retrieval.Mode == "bus" {
		retrieval = answer.NewBusRetrieval(r.bus, r.cfg.Retrieval.Subject)
		// Serve the subject too so a lone instance still answers its own queries.
		r.knowledge, err = answer.ServeRetrieval(ctx, r.bus, r.cfg.Retrieval.Subject, local, r.cfg.Teaching.AnswerTimeout(), r.logger)
		if err != nil {
			return nil, fmt.Errorf("serve knowledge queries: %w", err)
		}
	}

	return answer.NewRouter(retrieval, direct, answer.Options{
		MinOverlap: r.cfg.Teaching.MinOverlapTerms,
		Timeout:    r.cfg.Teaching.AnswerTimeout(),
		Apology:    r.cfg.Teaching.ApologyText,
	}, r.logger), nil
}

func (r *Runtime) router(metricsHandler http.Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Use(chiMiddleware.RequestID)
	mux.Use(chiMiddleware.RealIP)
	mux.Use(chiMiddleware.Recoverer)

	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	var nodes nodeDirectory
	if r.presence != nil {
		nodes = r.presence
	}
	mux.Mount("/api", newAPI(r.catalog, r.store, r.sessions, nodes, r.logger).routes())

	ws := gateway.NewHandler(r.sessions, gateway.BusFrames(r.bus), teaching.NewBusSink(r.bus), gateway.Options{
		SampleRate: r.cfg.STT.SampleRate,
		Channels:   r.cfg.STT.Channels,
	}, r.logger)
	mux.Handle("/ws", ws)
	return mux
}

// shutdown releases whatever Start managed to bring up, newest first.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.knowledge != nil {
		_ = r.knowledge.Drain()
	}
	if r.persister != nil {
		r.persister.Close()
		if n := r.persister.Dropped(); n > 0 {
			r.logger.Warn("session writes dropped under load", slog.Int64("dropped", n))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (r.stt == nil || r.stt.Healthy()) && (r.presence == nil || r.presence.Healthy()) {
		if err := r.store.Ping(req.Context()); err == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// capabilities is what this node advertises to its peers.
func (r *Runtime) capabilities() []presence.Capability {
	caps := []presence.Capability{
		{Name: "teaching"},
		{Name: "tts", Mode: r.cfg.TTS.Mode},
		{Name: "llm", Mode: r.cfg.LLM.Mode},
	}
	if r.cfg.STT.Enabled {
		caps = append(caps, presence.Capability{Name: "stt", Mode: r.cfg.STT.Mode})
	}
	if r.knowledge != nil {
		caps = append(caps, presence.Capability{Name: "knowledge", Mode: "local"})
	}
	return caps
}

func newRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return stt.NewMockRecognizer(), nil
	case "exec":
		return stt.NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.ChunkDurationMS)*time.Millisecond), nil
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func coursePassages(catalog *course.Catalog) answer.PassageSource {
	return func(courseID string) []answer.Passage {
		topics := catalog.Passages(courseID)
		out := make([]answer.Passage, len(topics))
		for i, t := range topics {
			out[i] = answer.Passage{Title: t.Title, Text: t.Text}
		}
		return out
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
