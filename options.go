package kiroku

import (
	"io"
	"log/slog"
	"time"
)

// Option configures a Kiroku instance. Options override values loaded from
// KIROKU_* environment variables.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying options.
// Unexported: callers use the With* functions.
type resolvedOptions struct {
	serviceName     *string
	environment     *string
	version         string
	endpoint        *string
	token           *string
	minLevel        *Level
	sampleRate      *float64
	console         *bool
	consoleWriter   io.Writer
	consoleVerbose  bool
	fallbackPath    *string
	noFallback      bool
	databaseURL     *string
	sqlitePath      *string
	batchSize       int
	linger          time.Duration
	shutdownTimeout time.Duration
	metricsInterval time.Duration
	sinks           []Sink
	onlyExtraSinks  bool
	idGenerator     IDGenerator
	clock           Clock
	logger          *slog.Logger
}

// WithServiceName sets service.name on every record (KIROKU_SERVICE_NAME).
func WithServiceName(name string) Option {
	return func(o *resolvedOptions) { o.serviceName = &name }
}

// WithEnvironment sets deployment.environment.name (KIROKU_ENVIRONMENT).
func WithEnvironment(env string) Option {
	return func(o *resolvedOptions) { o.environment = &env }
}

// WithVersion sets the service version reported by the remote sink.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEndpoint sets the OTLP/HTTP collector base URL (KIROKU_ENDPOINT).
// An empty endpoint disables the remote sink.
func WithEndpoint(endpoint string) Option {
	return func(o *resolvedOptions) { o.endpoint = &endpoint }
}

// WithToken sets the bearer token sent to the remote sink (KIROKU_TOKEN).
func WithToken(token string) Option {
	return func(o *resolvedOptions) { o.token = &token }
}

// WithMinLevel drops logs below level (KIROKU_MIN_LEVEL). Spans are not
// filtered.
func WithMinLevel(level Level) Option {
	return func(o *resolvedOptions) { o.minLevel = &level }
}

// WithSampleRate sets the fraction of traces exported, decided at each
// root span (KIROKU_SAMPLE_RATE).
func WithSampleRate(rate float64) Option {
	return func(o *resolvedOptions) { o.sampleRate = &rate }
}

// WithConsole enables or disables the console sink (KIROKU_CONSOLE).
func WithConsole(enabled bool) Option {
	return func(o *resolvedOptions) { o.console = &enabled }
}

// WithConsoleWriter sends console output to w instead of stdout.
func WithConsoleWriter(w io.Writer, verbose bool) Option {
	return func(o *resolvedOptions) {
		o.consoleWriter = w
		o.consoleVerbose = verbose
	}
}

// WithFallbackPath sets where undeliverable batches are written
// (KIROKU_FALLBACK_PATH).
func WithFallbackPath(path string) Option {
	return func(o *resolvedOptions) { o.fallbackPath = &path }
}

// WithoutFallback disables the fallback file. Batches that fail delivery are
// then dropped.
func WithoutFallback() Option {
	return func(o *resolvedOptions) { o.noFallback = true }
}

// WithDatabaseURL enables the Postgres records store (KIROKU_DATABASE_URL).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = &url }
}

// WithSQLitePath enables the SQLite local store (KIROKU_SQLITE_PATH).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = &path }
}

// WithBatchSize caps the number of records per batch (KIROKU_BATCH_SIZE).
func WithBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.batchSize = n }
}

// WithLinger caps how long a finished record waits for its batch to fill
// (KIROKU_LINGER).
func WithLinger(d time.Duration) Option {
	return func(o *resolvedOptions) { o.linger = d }
}

// WithShutdownTimeout bounds Shutdown when its context has no deadline
// (KIROKU_SHUTDOWN_TIMEOUT).
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.shutdownTimeout = d }
}

// WithMetricsInterval sets the metrics aggregation period
// (KIROKU_METRICS_INTERVAL).
func WithMetricsInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.metricsInterval = d }
}

// WithSink adds a sink. Multiple calls add multiple sinks; they receive every
// batch alongside the sinks enabled by configuration.
func WithSink(s Sink) Option {
	return func(o *resolvedOptions) { o.sinks = append(o.sinks, s) }
}

// WithOnlySinks replaces the configured sinks with the given ones.
func WithOnlySinks(sinks ...Sink) Option {
	return func(o *resolvedOptions) {
		o.sinks = append(o.sinks, sinks...)
		o.onlyExtraSinks = true
	}
}

// WithIDGenerator replaces the random id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *resolvedOptions) { o.idGenerator = g }
}

// WithClock replaces the wall clock used to timestamp records.
func WithClock(c Clock) Option {
	return func(o *resolvedOptions) { o.clock = c }
}

// WithLogger sets the logger for kiroku's own diagnostics.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}
