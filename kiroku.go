// Package kiroku records spans, logs and metrics and delivers them to sinks.
//
// Applications create one instance at startup and close it on exit:
//
//	k, err := kiroku.New(kiroku.WithServiceName("checkout"))
//	if err != nil { ... }
//	defer k.Shutdown(context.Background())
//
//	ctx, span := k.Span(ctx, "charge {order_id}", kiroku.A("order_id", id))
//	defer span.End()
//	k.Info(ctx, "card accepted")
//
// Recording never blocks on I/O and never returns errors. Batches that no
// sink accepts are written to a local fallback file; `kiroku backfill`
// replays that file later with the original ids and timestamps.
//
// The import graph is one-way: kiroku (root) imports internal/*, never the
// reverse.
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/ctxstack"
	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/fallback"
	"github.com/ashita-ai/kiroku/internal/localstore"
	"github.com/ashita-ai/kiroku/internal/metrics"
	"github.com/ashita-ai/kiroku/internal/record"
	"github.com/ashita-ai/kiroku/internal/sink/console"
	"github.com/ashita-ai/kiroku/internal/sink/otlphttp"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/migrations"
)

// Kiroku is a recording instance. Construct with New, stop with Shutdown.
// All methods are safe for concurrent use.
type Kiroku struct {
	cfg      config.Config
	tracer   *record.Tracer
	pipeline *export.Pipeline
	metrics  *metrics.Provider
	fallback *fallback.Writer // nil when disabled or unavailable
	logger   *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads KIROKU_* configuration, applies opts on top, opens the
// configured sinks and the fallback file, and starts background delivery.
func New(opts ...Option) (*Kiroku, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("kiroku: %w", err)
	}
	applyOverrides(&cfg, &o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kiroku: %w", err)
	}

	ctx := context.Background()
	sinks, err := buildSinks(ctx, cfg, &o, logger)
	if err != nil {
		return nil, err
	}

	k := &Kiroku{cfg: cfg, logger: logger}
	var persister export.Persister
	if !o.noFallback && cfg.FallbackPath != "" {
		w, ferr := fallback.Open(cfg.FallbackPath, logger)
		if ferr != nil {
			// Delivery still works; only failed batches are at risk.
			logger.Error("kiroku: fallback file unavailable; failed batches will be dropped",
				"path", cfg.FallbackPath, "error", ferr)
		} else {
			k.fallback = w
			persister = w
		}
	}

	k.pipeline = export.New(export.Config{
		Sinks:         sinks,
		Fallback:      persister,
		MaxBatchSize:  cfg.BatchSize,
		MaxBatchBytes: cfg.BatchBytes,
		Linger:        cfg.Linger,
		PendingLinger: cfg.PendingLinger,
		Logger:        logger,
	})
	k.pipeline.Start(ctx)

	k.tracer = record.New(record.Config{
		ServiceName: cfg.ServiceName,
		IDs:         o.idGenerator,
		Clock:       o.clock,
		Processor:   k.pipeline,
		Sampler:     sdktrace.TraceIDRatioBased(cfg.SampleRate),
		MinLevel:    cfg.MinLevel,
		Logger:      logger,
	})
	k.metrics = metrics.New(metrics.Config{
		Emitter:     k.pipeline,
		Interval:    cfg.MetricsInterval,
		ServiceName: cfg.ServiceName,
		Logger:      logger,
	})

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.Debug("kiroku: started", "service", cfg.ServiceName, "sinks", names,
		"fallback", k.FallbackPath())
	return k, nil
}

func applyOverrides(cfg *config.Config, o *resolvedOptions) {
	setIf := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setIf(&cfg.ServiceName, o.serviceName)
	setIf(&cfg.Environment, o.environment)
	setIf(&cfg.Endpoint, o.endpoint)
	setIf(&cfg.Token, o.token)
	setIf(&cfg.FallbackPath, o.fallbackPath)
	setIf(&cfg.DatabaseURL, o.databaseURL)
	setIf(&cfg.SQLitePath, o.sqlitePath)
	if o.minLevel != nil {
		cfg.MinLevel = *o.minLevel
	}
	if o.sampleRate != nil {
		cfg.SampleRate = *o.sampleRate
	}
	if o.console != nil {
		cfg.Console = *o.console
	}
	if o.batchSize > 0 {
		cfg.BatchSize = o.batchSize
	}
	if o.linger > 0 {
		cfg.Linger = o.linger
	}
	if o.shutdownTimeout > 0 {
		cfg.ShutdownTimeout = o.shutdownTimeout
	}
	if o.metricsInterval > 0 {
		cfg.MetricsInterval = o.metricsInterval
	}
}

// buildSinks opens every sink the configuration enables. A store that cannot
// be opened fails New; the remote sink never does, it only fails batches.
func buildSinks(ctx context.Context, cfg config.Config, o *resolvedOptions, logger *slog.Logger) ([]export.Sink, error) {
	if o.onlyExtraSinks {
		return o.sinks, nil
	}
	var sinks []export.Sink
	if cfg.Console {
		sinks = append(sinks, console.New(console.Options{
			Writer:   o.consoleWriter,
			MinLevel: cfg.MinLevel,
			Verbose:  o.consoleVerbose,
		}))
	}
	if cfg.Endpoint != "" {
		remote, err := otlphttp.New(otlphttp.Config{
			Endpoint:    cfg.Endpoint,
			Token:       cfg.Token,
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
			Version:     o.version,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("kiroku: remote sink: %w", err)
		}
		sinks = append(sinks, remote)
	}
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			closeAll(ctx, sinks, logger)
			return nil, fmt.Errorf("kiroku: records store: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			closeAll(ctx, sinks, logger)
			return nil, fmt.Errorf("kiroku: records store: %w", err)
		}
		sinks = append(sinks, storage.NewSink(db, cfg.ServiceName))
	}
	if cfg.SQLitePath != "" {
		store, err := localstore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			closeAll(ctx, sinks, logger)
			return nil, fmt.Errorf("kiroku: local store: %w", err)
		}
		sinks = append(sinks, store)
	}
	return append(sinks, o.sinks...), nil
}

func closeAll(ctx context.Context, sinks []export.Sink, logger *slog.Logger) {
	for _, s := range sinks {
		if err := s.Close(ctx); err != nil {
			logger.Warn("kiroku: close sink", "sink", s.Name(), "error", err)
		}
	}
}

// Span opens a span named by template, nested under the innermost open span
// of ctx. {key} placeholders in template are filled from attrs. The returned
// context carries the span; pass it to work done inside the span.
func (k *Kiroku) Span(ctx context.Context, template string, attrs ...Attr) (context.Context, *Span) {
	return k.tracer.Start(ctx, LevelInfo, template, attrs...)
}

// SpanAt is Span with an explicit level.
func (k *Kiroku) SpanAt(ctx context.Context, level Level, template string, attrs ...Attr) (context.Context, *Span) {
	return k.tracer.Start(ctx, level, template, attrs...)
}

// Log records a zero-duration log under the innermost open span of ctx.
func (k *Kiroku) Log(ctx context.Context, level Level, template string, attrs ...Attr) {
	k.tracer.Log(ctx, level, template, attrs...)
}

// Trace logs template at trace level.
func (k *Kiroku) Trace(ctx context.Context, template string, attrs ...Attr) {
	k.tracer.Log(ctx, LevelTrace, template, attrs...)
}

// Debug logs template at debug level.
func (k *Kiroku) Debug(ctx context.Context, template string, attrs ...Attr) {
	k.tracer.Log(ctx, LevelDebug, template, attrs...)
}

// Info logs template at info level.
func (k *Kiroku) Info(ctx context.Context, template string, attrs ...Attr) {
	k.tracer.Log(ctx, LevelInfo, template, attrs...)
}

// Notice logs template at notice level.
func (k *Kiroku) Notice(ctx context.Context, template string, attrs ...Attr) {
	k.tracer.Log(ctx, LevelNotice, template, attrs...)
}

// Warn logs template at warn level.
func (k *Kiroku) Warn(ctx context.Context, template string, attrs ...Attr) {
	k.tracer.Log(ctx, LevelWarn, template, attrs...)
}

// Error logs template at error level. It does not mark the enclosing span
// as failed.
func (k *Kiroku) Error(ctx context.Context, template string, attrs ...Attr) {
	k.tracer.Log(ctx, LevelError, template, attrs...)
}

// Fatal logs template at fatal level. Unlike log.Fatal it does not exit.
func (k *Kiroku) Fatal(ctx context.Context, template string, attrs ...Attr) {
	k.tracer.Log(ctx, LevelFatal, template, attrs...)
}

// Instrument runs fn inside a span that closes on every exit path. A returned
// error is recorded on the span and returned; a panic is recorded and
// re-raised after the span closes.
func (k *Kiroku) Instrument(ctx context.Context, template string, fn func(context.Context) error, attrs ...Attr) error {
	return k.tracer.Instrument(ctx, template, attrs, fn)
}

// Meter returns a meter whose instruments are aggregated every metrics
// interval and delivered with the spans.
func (k *Kiroku) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return k.metrics.Meter(name, opts...)
}

// MeterProvider exposes the metrics provider, e.g. for otel.SetMeterProvider.
func (k *Kiroku) MeterProvider() metric.MeterProvider { return k.metrics.MeterProvider() }

// Fork returns a context for a new goroutine. Spans opened there nest under
// the current span of ctx without sharing ctx's stack.
func Fork(ctx context.Context) context.Context { return ctxstack.Fork(ctx) }

// CurrentSpan returns the innermost open span context of ctx.
func CurrentSpan(ctx context.Context) (TraceContext, bool) {
	return ctxstack.CurrentParent(ctx)
}

// Inject writes the current span of ctx as a W3C traceparent into carrier.
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) bool {
	return ctxstack.Inject(ctx, carrier)
}

// Extract continues a remote trace: spans opened under the returned context
// are children of the traceparent found in carrier.
func (k *Kiroku) Extract(ctx context.Context, carrier propagation.TextMapCarrier) (context.Context, bool) {
	return ctxstack.Extract(ctx, carrier, k.logger)
}

// ForceFlush collects metrics and delivers everything buffered, waiting until
// done or ctx ends.
func (k *Kiroku) ForceFlush(ctx context.Context) error {
	merr := k.metrics.ForceFlush(ctx)
	return errors.Join(merr, k.pipeline.ForceFlush(ctx))
}

// Stats returns delivery counters.
func (k *Kiroku) Stats() Stats { return k.pipeline.Stats() }

// ServiceName returns the service name stamped on records.
func (k *Kiroku) ServiceName() string { return k.cfg.ServiceName }

// FallbackPath returns the fallback file in use, or "" when there is none.
func (k *Kiroku) FallbackPath() string {
	if k.fallback == nil {
		return ""
	}
	return k.fallback.Path()
}

// Shutdown flushes metrics and buffered records, persists what could not be
// delivered, and closes every sink. Without a deadline on ctx it is bounded
// by the configured shutdown timeout. Safe to call more than once.
func (k *Kiroku) Shutdown(ctx context.Context) error {
	k.shutdownOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, k.cfg.ShutdownTimeout)
			defer cancel()
		}
		start := time.Now()
		merr := k.metrics.Shutdown(ctx)
		perr := k.pipeline.Shutdown(ctx)
		k.shutdownErr = errors.Join(merr, perr)
		k.logger.Debug("kiroku: shutdown complete", "duration", time.Since(start), "stats", k.pipeline.Stats())
	})
	return k.shutdownErr
}
