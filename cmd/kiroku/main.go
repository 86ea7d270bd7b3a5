// Command kiroku operates on the local side of the recording core: it
// replays fallback files to a collector and prints their contents.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0(os.Args[1:], os.Stdout, os.Stderr))
}

func run0(args []string, stdout, stderr io.Writer) int {
	// Load .env file if present (non-fatal).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, "kiroku-cli", version, false)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	if err := run(ctx, cfg, logger, args, stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return errors.New("missing command")
	}
	switch args[0] {
	case "backfill":
		return runBackfill(ctx, cfg, logger, args[1:], stdout)
	case "inspect":
		return runInspect(cfg, logger, args[1:], stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "kiroku %s\n", version)
		return nil
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	}
	usage(stdout)
	return fmt.Errorf("unknown command %q", args[0])
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: kiroku <command> [flags]

Commands:
  backfill   replay a fallback file to the configured collector
  inspect    print the records of a fallback file
  version    print the version

Run 'kiroku <command> --help' for command flags.
`)
}
