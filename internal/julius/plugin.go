package julius

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-julius/internal/audio"
	"github.com/loqalabs/loqa-julius/internal/config"
	"github.com/loqalabs/loqa-julius/internal/spool"
	"github.com/loqalabs/loqa-julius/internal/vocab"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-julius/julius"

// Plugin transcribes audio by running the julius decoder once per call.
// It holds no mutable state, so concurrent calls are independent processes.
type Plugin struct {
	engine    EngineConfig
	binary    string
	launcher  *Launcher
	log       *slog.Logger
	threshold int
	spoolDir  string
	tracer    trace.Tracer
	metrics   *pluginMetrics
}

type options struct {
	runner   Runner
	lookPath func(string) (string, error)
	spoolDir string
}

type Option func(*options)

// WithRunner replaces process execution, mainly for tests.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithLookPath replaces the binary probe.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(o *options) { o.lookPath = fn }
}

// WithSpoolDir places spill files in dir instead of os.TempDir.
func WithSpoolDir(dir string) Option {
	return func(o *options) { o.spoolDir = dir }
}

// New probes for the decoder, resolves the vocabulary and runs the self-check.
// It returns ErrEngineUnavailable when the binary is missing; any problem the
// self-check reports is only logged.
func New(ctx context.Context, cfg config.JuliusConfig, compiler vocab.Compiler, log *slog.Logger, opts ...Option) (*Plugin, error) {
	o := options{runner: ExecRunner{}, lookPath: exec.LookPath}
	for _, opt := range opts {
		opt(&o)
	}
	log = log.With(slog.String("component", "julius"))

	command, err := ParseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	binary, err := probe(cfg.Command, o.lookPath)
	if err != nil {
		return nil, err
	}

	v, err := compiler.Compile(ctx, cfg.Vocabulary)
	if err != nil {
		return nil, fmt.Errorf("compile vocabulary %q: %w", cfg.Vocabulary, err)
	}

	engine := EngineConfig{
		Command:  command,
		HMMDefs:  cfg.HMMDefs,
		TiedList: cfg.TiedList,
		DFA:      vocab.DFAPath(v),
		Dict:     vocab.DictPath(v),
	}
	p := &Plugin{
		engine:    engine,
		binary:    binary,
		launcher:  NewLauncher(engine, o.runner, cfg.SpoolThresholdBytes, o.spoolDir),
		log:       log,
		threshold: cfg.SpoolThresholdBytes,
		spoolDir:  o.spoolDir,
		tracer:    otel.Tracer(instrumentationName),
		metrics:   newPluginMetrics(otel.Meter(instrumentationName), log),
	}

	if cfg.SelfCheck {
		p.SelfCheck(ctx)
	}
	return p, nil
}

// Engine returns the resolved decoder configuration.
func (p *Plugin) Engine() EngineConfig { return p.engine }

// Binary returns the absolute path found by the probe.
func (p *Plugin) Binary() string { return p.binary }

// SelfCheck runs the decoder once on empty input so it validates its model and
// grammar files, and routes its diagnostics to the logger.
func (p *Plugin) SelfCheck(ctx context.Context) []Diagnostic {
	log := p.log.With(slog.String("phase", "self-check"))
	log.Debug("executing", slog.String("binary", p.engine.Command[0]), slog.Any("args", p.engine.Args(false)))

	stdin := spool.New(0, p.spoolDir)
	defer stdin.Close()
	empty, err := stdin.Reader()
	if err != nil {
		log.Error("self-check input unavailable", slog.String("error", err.Error()))
		return nil
	}

	capture, err := p.launcher.Run(ctx, empty, false)
	if err != nil {
		log.Error("self-check failed", slog.String("error", err.Error()))
		return nil
	}
	defer capture.Close()

	var reported []Diagnostic
	for _, stream := range []struct {
		name string
		buf  *spool.Buffer
	}{{"stdout", capture.Stdout}, {"stderr", capture.Stderr}} {
		r, err := stream.buf.Reader()
		if err != nil {
			log.Warn("self-check output unavailable", slog.String("stream", stream.name), slog.String("error", err.Error()))
			continue
		}
		reported = append(reported, ReportDiagnostics(ctx, log, stream.name, r)...)
	}
	for _, d := range reported {
		p.metrics.diagnostic(ctx, d.Severity)
	}
	return reported
}

// Transcribe runs the decoder over the whole stream and returns the recognized
// sentences in order. Nothing understood yields []string{""}. Errors are only
// returned when the audio cannot be prepared or the decoder cannot be run.
// The mode hint is recorded but not passed to the decoder.
func (p *Plugin) Transcribe(ctx context.Context, stream io.ReadSeeker, mode string) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "julius.transcribe", trace.WithAttributes(attribute.String("julius.mode", mode)))
	defer span.End()
	start := time.Now()

	texts, err := p.transcribe(ctx, stream, mode)
	outcome := outcomeFor(texts, err)
	p.metrics.transcription(ctx, outcome, time.Since(start))
	span.SetAttributes(attribute.String("julius.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return texts, nil
}

func (p *Plugin) transcribe(ctx context.Context, stream io.ReadSeeker, mode string) ([]string, error) {
	pcm, err := audio.ToPCM(stream, p.threshold, p.spoolDir)
	if err != nil {
		return nil, fmt.Errorf("prepare audio: %w", err)
	}
	defer pcm.Close()
	if pcm.WAV {
		p.log.Debug("decoded wav input", slog.Int("sample_rate", pcm.SampleRate), slog.Int("channels", pcm.Channels))
	}

	p.log.Debug("executing", slog.String("binary", p.engine.Command[0]), slog.Any("args", p.engine.Args(true)))
	capture, err := p.launcher.Run(ctx, pcm, true)
	if err != nil {
		return nil, err
	}
	defer capture.Close()

	out, err := capture.Stdout.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read julius output: %w", err)
	}
	texts := Parse(out)
	if !Understood(texts) {
		// Bad model or grammar paths only show up as decoder diagnostics.
		if r, err := capture.Stderr.Reader(); err == nil {
			ReportDiagnostics(ctx, p.log.With(slog.String("phase", "transcribe")), "stderr", r)
		}
	}
	p.log.Info("transcribed", slog.Any("texts", texts), slog.String("mode", mode))
	return texts, nil
}

const (
	outcomeRecognized = "recognized"
	outcomeEmpty      = "empty"
	outcomeLaunch     = "launch_error"
	outcomeFailed     = "failed"
)

func outcomeFor(texts []string, err error) string {
	switch {
	case errors.Is(err, ErrLaunch):
		return outcomeLaunch
	case err != nil:
		return outcomeFailed
	case Understood(texts):
		return outcomeRecognized
	default:
		return outcomeEmpty
	}
}

type pluginMetrics struct {
	transcriptions metric.Int64Counter
	duration       metric.Float64Histogram
	diagnostics    metric.Int64Counter
}

func newPluginMetrics(meter metric.Meter, log *slog.Logger) *pluginMetrics {
	m := &pluginMetrics{}
	var err error
	if m.transcriptions, err = meter.Int64Counter("julius.transcriptions",
		metric.WithDescription("Decoder runs by outcome")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.duration, err = meter.Float64Histogram("julius.transcription.duration",
		metric.WithDescription("Wall time of one decoder run"), metric.WithUnit("s")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.diagnostics, err = meter.Int64Counter("julius.selfcheck.diagnostics",
		metric.WithDescription("Self-check diagnostics by severity")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	return m
}

func (m *pluginMetrics) transcription(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.transcriptions != nil {
		m.transcriptions.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *pluginMetrics) diagnostic(ctx context.Context, severity Severity) {
	if m.diagnostics != nil {
		m.diagnostics.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity.String())))
	}
}
