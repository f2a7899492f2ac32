// Package httpapi fetches JSON records from HTTP endpoints.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/config"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 64 << 20

// Config is the api connection descriptor.
type Config struct {
	URL         string
	Method      string // GET (default) or POST
	Headers     map[string]string
	Query       map[string]string
	Body        any // JSON-encoded for POST
	Token       string
	RecordsPath string
	MaxRows     int
}

// FromMap creates a Config from a connection descriptor.
func FromMap(descriptor map[string]any, opts datasource.Options) (*Config, error) {
	cfg := &Config{
		URL:         datasource.StringValue(descriptor, "url", ""),
		Method:      strings.ToUpper(datasource.StringValue(descriptor, "method", http.MethodGet)),
		Headers:     datasource.StringMap(descriptor, "headers"),
		Query:       datasource.StringMap(descriptor, "params"),
		Body:        descriptor["body"],
		Token:       datasource.StringValue(descriptor, "token", ""),
		RecordsPath: datasource.StringValue(descriptor, "records_path", ""),
		MaxRows:     opts.RowCap(descriptor),
	}

	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url must be an absolute http(s) URL")
	}
	if cfg.Method != http.MethodGet && cfg.Method != http.MethodPost {
		return nil, fmt.Errorf("unsupported method %q", cfg.Method)
	}
	return cfg, nil
}

// Adapter implements datasource.Fetcher for JSON APIs.
type Adapter struct {
	config *Config
	client *http.Client
	logger *zap.Logger
}

// NewAdapter creates an API fetcher.
func NewAdapter(cfg *Config, opts datasource.Options) *Adapter {
	return &Adapter{config: cfg, client: opts.HTTP(), logger: opts.Log().Named("api")}
}

func (a *Adapter) newRequest(ctx context.Context, method string) (*http.Request, error) {
	u, err := url.Parse(config.ResolveURLForDocker(a.config.URL))
	if err != nil {
		return nil, err
	}
	if len(a.config.Query) > 0 {
		q := u.Query()
		for k, v := range a.config.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if method == http.MethodPost && a.config.Body != nil {
		b, err := json.Marshal(a.config.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.Token)
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Body)
}

// IsRetryable marks 429 and 5xx responses as transient.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (a *Adapter) do(ctx context.Context, method string) (*http.Response, error) {
	req, err := a.newRequest(ctx, method)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %s", logging.SanitizeError(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: logging.TruncateString(strings.TrimSpace(string(snippet)), 200)}
	}
	return resp, nil
}

// Fetch requests the endpoint and decodes the records it returns.
func (a *Adapter) Fetch(ctx context.Context) (*frame.Frame, error) {
	resp, err := a.do(ctx, a.config.Method)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	records, keys, err := jsonutil.DecodeRecords(io.LimitReader(resp.Body, maxBodyBytes), a.config.RecordsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to decode api response: %w", err)
	}
	if len(records) > a.config.MaxRows {
		a.logger.Warn("row cap reached, source truncated", zap.Int("max_rows", a.config.MaxRows))
		records = records[:a.config.MaxRows]
	}
	for _, rec := range records {
		for k, v := range rec {
			rec[k] = datasource.NormalizeValue(v)
		}
	}

	a.logger.Debug("read api source", zap.Int("records", len(records)))
	return frame.FromRecords(records, keys), nil
}

// TestConnection issues the request and discards the body.
func (a *Adapter) TestConnection(ctx context.Context) error {
	resp, err := a.do(ctx, a.config.Method)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return resp.Body.Close()
}

// Close is a no-op; the HTTP client is shared.
func (a *Adapter) Close() error {
	return nil
}

var _ datasource.Fetcher = (*Adapter)(nil)
