// Package collyfetcher fetches vendor JSON endpoints using gocolly.
package collyfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/metrics"
	"github.com/JakeFAU/carharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/carharvest/internal/policy/retry"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Headers are sent with every request.
	Headers http.Header
}

// Request describes one GET.
type Request struct {
	URL     string
	Query   url.Values
	Headers http.Header
	// RateKey selects the limiter bucket. Defaults to the request host.
	RateKey string
	// Archive names the archive folder for the body. Empty skips archiving.
	Archive string
}

// Response is a successful fetch.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Archiver stores raw response bodies.
type Archiver interface {
	Archive(ctx context.Context, source string, body []byte) error
}

// Fetcher issues rate limited GETs through a Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       *ratelimit.Limiter
	archiver      Archiver
	logger        *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter paces requests through l.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithArchiver stores every archived response body through a.
func WithArchiver(a Archiver) Option {
	return func(f *Fetcher) { f.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true

	f := &Fetcher{
		cfg:           cfg,
		transport:     newHTTPTransport(),
		baseCollector: c,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	c.WithTransport(f.transport)
	return f
}

// Fetch executes a single HTTP GET using Colly. Rate limiting happens
// before the request; 429 and 5xx responses are reported as transient.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	target, err := buildURL(req)
	if err != nil {
		return Response{}, err
	}
	if f.limiter != nil {
		key := req.RateKey
		if key == "" {
			key = target.Host
		}
		if err := f.limiter.Wait(ctx, key); err != nil {
			return Response{}, err
		}
	}

	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(req, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, target.String(), &fetchErr); err != nil {
		return Response{}, err
	}
	if req.Archive != "" && f.archiver != nil {
		if err := f.archiver.Archive(ctx, req.Archive, result.Body); err != nil {
			f.logger.Warn("archive response failed", zap.String("url", result.URL), zap.Error(err))
		}
	}
	return result, nil
}

// GetJSON fetches req and decodes the body into out.
func (f *Fetcher) GetJSON(ctx context.Context, req Request, out any) error {
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", resp.URL, err)
	}
	return nil
}

func buildURL(req Request) (*url.URL, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", req.URL, err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func (f *Fetcher) buildCollector(req Request, start time.Time, result *Response, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, req, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(req, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		metrics.ObserveFetch(result.URL, statusClass(r.StatusCode), len(r.Body))
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = classify(r, err)
	})
}

// classify turns a Colly failure into an error the retry policy understands.
func classify(r *colly.Response, err error) error {
	if r == nil || r.StatusCode == 0 {
		if r != nil && r.Request != nil {
			metrics.ObserveFetch(r.Request.URL.String(), "error", 0)
		}
		return err
	}
	u := ""
	if r.Request != nil && r.Request.URL != nil {
		u = r.Request.URL.String()
	}
	metrics.ObserveFetch(u, statusClass(r.StatusCode), len(r.Body))
	se := &StatusError{URL: u, StatusCode: r.StatusCode}
	if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
		return retry.Transient(se)
	}
	return se
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "error"
	}
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(req Request, r *colly.Request) {
	for _, h := range []http.Header{f.cfg.Headers, req.Headers} {
		for key, values := range h {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
