// Package otlphttp delivers batches to a collector over OTLP/HTTP using
// gzip-compressed protobuf payloads.
package otlphttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
)

const (
	tracesPath     = "/v1/traces"
	metricsPath    = "/v1/metrics"
	defaultTimeout = 10 * time.Second
	errorBodyLimit = 1024
)

// Config configures a Sink.
type Config struct {
	// Endpoint is the collector base URL, e.g. https://collector:4318.
	Endpoint string
	// Token, when set, is sent as a bearer token.
	Token       string
	ServiceName string
	Environment string
	Version     string
	// Timeout bounds each request. Zero means 10s.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Sink posts batches to an OTLP/HTTP collector.
type Sink struct {
	tracesURL  string
	metricsURL string
	token      string
	service    string
	res        resource
	httpClient *http.Client
	logger     *slog.Logger
}

// New validates cfg and returns a Sink.
func New(cfg Config) (*Sink, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otlphttp: endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("otlphttp: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("otlphttp: endpoint %q must be http or https", cfg.Endpoint)
	}
	base := strings.TrimSuffix(u.String(), "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sink{
		tracesURL:  base + tracesPath,
		metricsURL: base + metricsPath,
		token:      cfg.Token,
		service:    cfg.ServiceName,
		res: resource{
			instanceID:  uuid.NewString(),
			environment: cfg.Environment,
			version:     cfg.Version,
		},
		httpClient: client,
		logger:     cfg.Logger,
	}, nil
}

func (s *Sink) Name() string { return "otlphttp" }

// Send posts the spans and metrics of batch. Spans go first; if they fail,
// metrics are not attempted and the span error is returned.
func (s *Sink) Send(ctx context.Context, batch model.Batch) error {
	if len(batch.Spans) > 0 {
		if err := s.post(ctx, s.tracesURL, s.res.traceRequest(batch.Spans)); err != nil {
			return err
		}
	}
	if len(batch.Metrics) > 0 {
		if err := s.post(ctx, s.metricsURL, s.res.metricsRequest(s.service, batch.Metrics)); err != nil {
			return err
		}
	}
	return nil
}

// Close releases idle connections.
func (s *Sink) Close(context.Context) error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *Sink) post(ctx context.Context, target string, msg proto.Message) error {
	raw, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("otlphttp: marshal: %w", err)
	}
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("otlphttp: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("otlphttp: compress: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return fmt.Errorf("otlphttp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "gzip")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &export.SinkError{Sink: s.Name(), Kind: export.KindTransient, Err: fmt.Errorf("send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	kind := classifyStatus(resp.StatusCode)
	if kind == export.KindTransient && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		s.logger.Warn("otlphttp: unexpected client error; treating as transient",
			"status", resp.StatusCode, "url", target)
	}
	return &export.SinkError{
		Sink:       s.Name(),
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
	}
}

// classifyStatus maps an HTTP status to a delivery error kind.
func classifyStatus(code int) export.ErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return export.KindAuthRejected
	case http.StatusRequestEntityTooLarge:
		return export.KindPayloadTooLarge
	default:
		return export.KindTransient
	}
}
