package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/kiroku/internal/backfill"
	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/localstore"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/sink/console"
	"github.com/ashita-ai/kiroku/internal/sink/otlphttp"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/migrations"
)

type backfillFlags struct {
	file      string
	batchSize int
	endpoint  string
	token     string
	dryRun    bool
}

func parseBackfillFlags(cfg config.Config, args []string, out io.Writer) (backfillFlags, error) {
	var f backfillFlags
	fs := pflag.NewFlagSet("backfill", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.file, "file", cfg.FallbackPath, "fallback file to replay")
	fs.IntVar(&f.batchSize, "batch-size", cfg.BatchSize, "records per request")
	fs.StringVar(&f.endpoint, "endpoint", cfg.Endpoint, "OTLP/HTTP collector base URL")
	fs.StringVar(&f.token, "token", cfg.Token, "bearer token for the collector")
	fs.BoolVar(&f.dryRun, "dry-run", false, "reconstruct records without sending them")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("backfill: unexpected arguments %v", fs.Args())
	}
	if f.batchSize <= 0 {
		return f, fmt.Errorf("backfill: --batch-size must be positive, got %d", f.batchSize)
	}
	return f, nil
}

func runBackfill(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) (err error) {
	flags, err := parseBackfillFlags(cfg, args, stdout)
	if err != nil {
		return err
	}

	ctx, span := telemetry.Tracer(telemetry.ScopeName).Start(ctx, "kiroku.backfill")
	span.SetAttributes(
		attribute.String("kiroku.backfill.file", flags.file),
		attribute.Bool("kiroku.backfill.dry_run", flags.dryRun),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sinks, err := backfillSinks(ctx, cfg, flags, logger)
	if err != nil {
		return err
	}
	target := &fanout{sinks: sinks}
	defer func() {
		if cerr := target.Close(context.Background()); cerr != nil {
			logger.Warn("backfill: close sinks", "error", cerr)
		}
	}()

	r, err := backfill.New(backfill.Config{Sink: target, BatchSize: flags.batchSize, Logger: logger})
	if err != nil {
		return err
	}
	sum, err := r.ReplayFile(ctx, flags.file)
	span.SetAttributes(
		attribute.Int("kiroku.backfill.records", sum.Records),
		attribute.Int("kiroku.backfill.batches", sum.Batches),
	)
	if err != nil {
		return err
	}
	logger.Info("backfill complete", "file", flags.file, "records", sum.Records,
		"spans", sum.Spans, "logs", sum.Logs, "batches", sum.Batches, "dry_run", flags.dryRun)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

// backfillSinks builds the sinks a replay sends to. A dry run sends to
// memory only; otherwise at least one destination must be configured.
func backfillSinks(ctx context.Context, cfg config.Config, flags backfillFlags, logger *slog.Logger) ([]export.Sink, error) {
	if flags.dryRun {
		return []export.Sink{export.NewMemorySink("dry-run")}, nil
	}
	var sinks []export.Sink
	if flags.endpoint != "" {
		remote, err := otlphttp.New(otlphttp.Config{
			Endpoint:    flags.endpoint,
			Token:       flags.token,
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
			Version:     version,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, remote)
	}
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return nil, err
		}
		sinks = append(sinks, storage.NewSink(db, cfg.ServiceName))
	}
	if cfg.SQLitePath != "" {
		store, err := localstore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, store)
	}
	if len(sinks) == 0 {
		return nil, errors.New("backfill: no destination; pass --endpoint or set KIROKU_ENDPOINT, KIROKU_DATABASE_URL or KIROKU_SQLITE_PATH")
	}
	if cfg.Console {
		sinks = append(sinks, console.New(console.Options{MinLevel: cfg.MinLevel}))
	}
	return sinks, nil
}

// fanout sends each batch to every sink in order and stops at the first
// failure, so a rerun resends the batch everywhere.
type fanout struct {
	sinks []export.Sink
}

func (f *fanout) Name() string { return "backfill" }

func (f *fanout) Send(ctx context.Context, batch model.Batch) error {
	for _, s := range f.sinks {
		if err := s.Send(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (f *fanout) Close(ctx context.Context) error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close(ctx))
	}
	return errors.Join(errs...)
}
