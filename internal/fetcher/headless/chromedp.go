// Package headless drives a headless browser and captures the JSON
// responses a page requests while it renders.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/metrics"
	"github.com/JakeFAU/carharvest/internal/policy/ratelimit"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to keep listening after the page is ready.
	Settle time.Duration
	// ExecPath overrides the Chrome binary.
	ExecPath string
}

// Capture is one intercepted response.
type Capture struct {
	URL    string
	Status int
	Body   []byte
}

// Intercept selects which responses to capture and which requests to refuse.
type Intercept struct {
	Match func(rawURL string) bool
	// Block, when set, fails matching requests before they leave the browser.
	Block   func(rawURL string) bool
	Headers http.Header
}

// Fetcher renders pages with chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.NavigationTimeout < 0 || cfg.Settle < 0 {
		return nil, fmt.Errorf("navigation timeout and settle must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Capture loads pageURL and returns the bodies of every response accepted
// by in.Match, in the order they finished loading.
func (f *Fetcher) Capture(ctx context.Context, pageURL string, in Intercept) ([]Capture, error) {
	if in.Match == nil {
		return nil, fmt.Errorf("intercept match is required")
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, "headless"); err != nil {
			return nil, err
		}
	}

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	// Stop the browser tab when the caller gives up.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	capt := newCapturer(in, f.logger, func(id network.RequestID) ([]byte, error) {
		var body []byte
		err := chromedp.Run(taskCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			body, err = network.GetResponseBody(id).Do(ctx)
			return err
		}))
		return body, err
	})
	var blocker *requestGate
	if in.Block != nil {
		blocker = &requestGate{block: in.Block, run: func(a chromedp.Action) error { return chromedp.Run(taskCtx, a) }, logger: f.logger}
	}
	chromedp.ListenTarget(taskCtx, func(ev any) {
		capt.onEvent(ev)
		if blocker != nil {
			blocker.onEvent(ev)
		}
	})

	actions := []chromedp.Action{
		f.networkSetupAction(in.Headers, blocker != nil),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.settle()),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("headless capture canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("chromedp run %s: %w", pageURL, err)
	}
	captures := capt.wait()
	for _, c := range captures {
		metrics.ObserveFetch(c.URL, statusClass(c.Status), len(c.Body))
	}
	return captures, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header, intercept bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if intercept {
			if err := fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).Do(ctx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		return nil
	})
}

type pendingResponse struct {
	url    string
	status int
}

// capturer collects matching response bodies. Bodies are only available
// once loading finishes, and must be read off the event goroutine. Once
// wait is called no new body reads start; responses finishing later are
// dropped and logged.
type capturer struct {
	match     func(string) bool
	fetchBody func(network.RequestID) ([]byte, error)
	logger    *zap.Logger

	mu       sync.Mutex
	closed   bool
	pending  map[network.RequestID]pendingResponse
	captures []Capture
	// wg only grows under mu while closed is false.
	wg sync.WaitGroup
}

func newCapturer(in Intercept, logger *zap.Logger, fetchBody func(network.RequestID) ([]byte, error)) *capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &capturer{
		match:     in.Match,
		fetchBody: fetchBody,
		logger:    logger,
		pending:   map[network.RequestID]pendingResponse{},
	}
}

func (c *capturer) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil || !c.match(e.Response.URL) {
			return
		}
		c.mu.Lock()
		if !c.closed {
			c.pending[e.RequestID] = pendingResponse{url: e.Response.URL, status: int(e.Response.Status)}
		}
		c.mu.Unlock()
	case *network.EventLoadingFinished:
		c.mu.Lock()
		p, ok := c.pending[e.RequestID]
		delete(c.pending, e.RequestID)
		closed := c.closed
		if ok && !closed {
			c.wg.Add(1)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if closed {
			c.logger.Debug("response finished after settle, dropped", zap.String("url", p.url))
			return
		}
		go func(id network.RequestID) {
			defer c.wg.Done()
			body, err := c.fetchBody(id)
			if err != nil {
				metrics.ObserveFetch(p.url, "error", 0)
				c.logger.Warn("read captured response body failed", zap.String("url", p.url), zap.Error(err))
				return
			}
			c.mu.Lock()
			c.captures = append(c.captures, Capture{URL: p.url, Status: p.status, Body: body})
			c.mu.Unlock()
		}(e.RequestID)
	}
}

func (c *capturer) wait() []Capture {
	c.mu.Lock()
	c.closed = true
	if n := len(c.pending); n > 0 {
		c.logger.Debug("responses still loading at settle, dropped", zap.Int("pending", n))
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Capture(nil), c.captures...)
}

// requestGate answers paused requests, failing the blocked ones.
type requestGate struct {
	block  func(string) bool
	run    func(chromedp.Action) error
	logger *zap.Logger
}

func (g *requestGate) onEvent(ev any) {
	e, ok := ev.(*fetch.EventRequestPaused)
	if !ok || e.Request == nil {
		return
	}
	var action chromedp.Action = fetch.ContinueRequest(e.RequestID)
	if g.block(e.Request.URL) {
		action = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient)
	}
	go func() {
		if err := g.run(action); err != nil {
			g.logger.Debug("answer paused request failed", zap.String("url", e.Request.URL), zap.Error(err))
		}
	}()
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (f *Fetcher) settle() time.Duration {
	if f.cfg.Settle > 0 {
		return f.cfg.Settle
	}
	return 2 * time.Second
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 200:
		return "2xx"
	default:
		return "error"
	}
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
