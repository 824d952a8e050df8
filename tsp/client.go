package tsp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

const (
	// TracerName names the tracer of Client spans.
	TracerName = "commons-supplier/tsp"

	// DefaultURL is the public FreeTSA endpoint.
	DefaultURL = "https://freetsa.org/tsr"

	ContentTypeQuery = "application/timestamp-query"
	ContentTypeReply = "application/timestamp-reply"

	// maxResponseSize bounds a TimeStampResp; a token with a full chain is
	// a few KiB.
	maxResponseSize = 1 << 20
)

// Client posts time-stamp requests to a TSA.
//
// Tracer defaults to a noop tracer; set it from the run's provider with
// TracerName.
type Client struct {
	URL        string
	HTTPClient *http.Client
	UserAgent  string
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// NewClient returns a Client for url with a bounded HTTP timeout.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger.With(slog.String("component", "tsp")),
		Tracer:     noop.NewTracerProvider().Tracer(TracerName),
	}
}

// Timestamp builds a request for data, sends it and returns both raw
// messages. The response is not parsed.
func (c *Client) Timestamp(ctx context.Context, data []byte) (Proof, error) {
	tracer := c.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	ctx, span := tracer.Start(ctx, "tsp.timestamp", trace.WithAttributes(
		attribute.String("tsa.url", c.URL),
		attribute.Int("tsp.data_size", len(data)),
	))
	defer span.End()

	proof, err := c.timestamp(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "timestamp failed")
	}
	return proof, err
}

func (c *Client) timestamp(ctx context.Context, data []byte) (Proof, error) {
	tsq := BuildRequest(data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(tsq))
	if err != nil {
		return Proof{}, errs.Wrap(errs.KindTimestamp, "timestamp", "build request", err)
	}
	req.Header.Set("Content-Type", ContentTypeQuery)
	req.Header.Set("Accept", ContentTypeReply)
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return Proof{}, errs.Wrap(errs.KindTimestamp, "timestamp", fmt.Sprintf("POST %s", c.URL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return Proof{}, errs.Wrap(errs.KindTimestamp, "timestamp", "read response", err)
	}
	if len(body) > maxResponseSize {
		return Proof{}, errs.Newf(errs.KindTimestamp, "timestamp", "TSA response exceeds %d bytes", maxResponseSize)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Proof{}, errs.Newf(errs.KindTimestamp, "timestamp", "TSA returned status %d", resp.StatusCode)
	}

	if c.Logger != nil {
		c.Logger.Debug("timestamp obtained",
			slog.Int("tsq_size", len(tsq)),
			slog.Int("tsr_size", len(body)),
			slog.Duration("elapsed", time.Since(start)))
	}
	return Proof{Request: tsq, Response: body}, nil
}
