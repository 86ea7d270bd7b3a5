package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/backfill"
	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/fallback"
	"github.com/ashita-ai/kiroku/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFallback(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallback.krk")
	w, err := fallback.Open(path, quietLogger())
	require.NoError(t, err)

	traceID := model.TraceIDFromUint64(1)
	root := model.TraceContext{TraceID: traceID, SpanID: model.SpanIDFromUint64(1), Sampled: true}
	batch := model.Batch{Spans: []model.SpanRecord{
		{Name: "inner", SpanName: "inner", MsgTemplate: "inner", Kind: model.KindLog, Level: model.LevelInfo,
			Context: model.TraceContext{TraceID: traceID, SpanID: model.SpanIDFromUint64(2), Sampled: true},
			Parent:  &root, StartTime: 2e9, EndTime: 2e9},
		{Name: "outer", SpanName: "outer", MsgTemplate: "outer", Kind: model.KindSpan, Level: model.LevelInfo,
			Context: root, StartTime: 1e9, EndTime: 3e9},
	}}
	require.NoError(t, w.WriteBatch(batch))
	require.NoError(t, w.Close())
	return path
}

func testConfig() config.Config {
	return config.Config{ServiceName: "cli-test", BatchSize: 512, MinLevel: model.LevelTrace}
}

func TestBackfillDryRun(t *testing.T) {
	path := writeFallback(t)
	var out bytes.Buffer
	err := run(context.Background(), testConfig(), quietLogger(),
		[]string{"backfill", "--file", path, "--dry-run"}, &out)
	require.NoError(t, err)

	var sum backfill.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
	assert.Equal(t, 3, sum.Records)
	assert.Equal(t, 1, sum.Spans)
	assert.Equal(t, 1, sum.Logs)
	assert.Equal(t, 1, sum.Batches)
}

func TestBackfillRequiresDestination(t *testing.T) {
	path := writeFallback(t)
	err := run(context.Background(), testConfig(), quietLogger(),
		[]string{"backfill", "--file", path}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no destination")
}

func TestBackfillRejectsBadBatchSize(t *testing.T) {
	err := run(context.Background(), testConfig(), quietLogger(),
		[]string{"backfill", "--batch-size", "0", "--dry-run"}, io.Discard)
	require.Error(t, err)
}

func TestInspectPrintsRecords(t *testing.T) {
	path := writeFallback(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), testConfig(), quietLogger(),
		[]string{"inspect", "--file", path}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	var types []string
	for _, l := range lines {
		var v struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(l), &v))
		types = append(types, v.Type)
	}
	assert.Equal(t, []string{"StartSpan", "RecordLog", "EndSpan"}, types)
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), testConfig(), quietLogger(), []string{"frobnicate"}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "Usage: kiroku")
}
