package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-julius/internal/bus"
	"github.com/loqalabs/loqa-julius/internal/capability"
	"github.com/loqalabs/loqa-julius/internal/config"
	"github.com/loqalabs/loqa-julius/internal/eventstore"
	"github.com/loqalabs/loqa-julius/internal/julius"
	"github.com/loqalabs/loqa-julius/internal/natsserver"
	"github.com/loqalabs/loqa-julius/internal/stt"
	"github.com/loqalabs/loqa-julius/internal/vocab"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metrics     http.Handler
	store       *eventstore.Store
	transcriber stt.Transcriber
	bus         *bus.Client
	service     *stt.Service
	registry    *capability.Registry
	ready       atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// NewTranscriber builds the transcriber selected by stt.mode and the
// capability advertising it. A missing julius binary is not an error: the
// transcriber is nil and the capability is marked unavailable.
func NewTranscriber(ctx context.Context, cfg config.Config, logger *slog.Logger) (stt.Transcriber, capability.Capability, error) {
	c := capability.Capability{
		Name: capability.STTJulius,
		Attributes: map[string]string{
			"engine":     cfg.STT.Mode,
			"hmmdefs":    cfg.Julius.HMMDefs,
			"tiedlist":   cfg.Julius.TiedList,
			"vocabulary": cfg.Julius.Vocabulary,
		},
	}
	if !cfg.STT.Enabled {
		return nil, c, nil
	}
	if cfg.STT.Mode == "mock" {
		c.Available = true
		return stt.NewMockTranscriber(), c, nil
	}

	compiler := vocab.NewDirectoryCompiler(cfg.Julius.VocabularyDir, logger)
	plugin, err := julius.New(ctx, cfg.Julius, compiler, logger)
	if errors.Is(err, julius.ErrEngineUnavailable) {
		logger.Warn("julius not available, skipping registration", slog.String("error", err.Error()))
		c.Attributes["reason"] = err.Error()
		return nil, c, nil
	}
	if err != nil {
		return nil, c, err
	}
	c.Available = true
	c.Attributes["binary"] = plugin.Binary()
	return plugin, c, nil
}

func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = metricsHandler
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}()

	transcriber, local, err := NewTranscriber(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start transcriber: %w", err)
	}
	r.transcriber = transcriber

	if r.cfg.Bus.Enabled {
		stop, err := r.startBus(ctx, local)
		if err != nil {
			return err
		}
		defer stop()
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Bool("transcriber", r.transcriber != nil),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	return g.Wait()
}

// startBus brings up the embedded server when configured, then the frame
// service and the capability registry. The returned func tears them down.
func (r *Runtime) startBus(ctx context.Context, local capability.Capability) (func(), error) {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.Node.ID, r.logger)
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	r.bus = client
	engine := r.cfg.STT.Mode
	r.service = stt.NewService(ctx, r.cfg.STT, client, r.transcriber, engine, r.store,
		stt.SpoolOptions{Threshold: r.cfg.Julius.SpoolThresholdBytes}, r.logger)
	if err := r.service.Start(); err != nil {
		client.Close()
		if srv != nil {
			srv.Shutdown()
		}
		return nil, err
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, client, []capability.Capability{local}, r.logger)
	if err != nil {
		r.logger.Warn("capability registry unavailable", slog.String("error", err.Error()))
	}
	r.registry = registry

	return func() {
		if r.registry != nil {
			r.registry.Close()
		}
		r.service.Close()
		client.Close()
		if srv != nil {
			srv.Shutdown()
		}
	}, nil
}
