package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/fallback"
)

type inspectLine struct {
	Type   string          `json:"type"`
	Record fallback.Record `json:"record"`
}

// runInspect prints one JSON line per record, then a trailer when the file
// ends in a damaged frame.
func runInspect(cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	var path string
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVar(&path, "file", cfg.FallbackPath, "fallback file to read")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	r, err := fallback.NewReader(f, logger)
	if err != nil {
		return fmt.Errorf("inspect: %s: %w", path, err)
	}
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("inspect: %s: %w", path, err)
	}

	enc := json.NewEncoder(stdout)
	for _, rec := range records {
		if err := enc.Encode(inspectLine{Type: rec.Type().String(), Record: rec}); err != nil {
			return err
		}
	}
	if r.Truncated() {
		fmt.Fprintf(stdout, "# %s: damaged tail skipped after %d records\n", path, len(records))
	}
	return nil
}
