// Package collytransport performs middleware transport calls with gocolly.
package collytransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
	// RespectRobots makes colly fetch and honor robots.txt before each host.
	RespectRobots bool
	// MaxBodySize caps response bodies in bytes. Zero keeps colly's default.
	MaxBodySize int
}

// Transport implements collector.Transport. It keeps one base collector per
// proxy because clones share their parent's HTTP backend.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	bases map[string]*colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:    cfg,
		logger: logger,
		bases:  make(map[string]*colly.Collector),
	}
}

// Perform executes req and returns the response. Responses with status 400 or
// above come back as *collector.HTTPStatusError and connection failures as
// *collector.NetworkError. Other statuses, 204 and 3xx included, are returned
// as responses.
func (t *Transport) Perform(ctx context.Context, req collector.Request) (*collector.Response, error) {
	base, err := t.baseFor(req.Proxy)
	if err != nil {
		return nil, err
	}
	c := base.Clone()

	var (
		result   *collector.Response
		fetchErr error
	)
	t.configureHooks(c, req, time.Now(), &result, &fetchErr)

	visitErr, err := t.run(ctx, c, req)
	if err != nil {
		return nil, err
	}
	// OnError has already classified transport and status failures; colly
	// returns the same error from Request, so fetchErr wins.
	if fetchErr != nil {
		return nil, fetchErr
	}
	if visitErr != nil {
		return nil, &collector.NetworkError{Method: req.Method, URL: req.URL, Err: visitErr}
	}
	if result == nil {
		return nil, &collector.NetworkError{Method: req.Method, URL: req.URL, Err: fmt.Errorf("no response received")}
	}
	return result, nil
}

func (t *Transport) baseFor(proxy string) (*colly.Collector, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.bases[proxy]; ok {
		return c, nil
	}

	var rt http.RoundTripper
	httpTransport, err := newHTTPTransport(proxy)
	if err != nil {
		return nil, err
	}
	rt = httpTransport
	if t.cfg.RespectRobots {
		rt = &robotsAwareTransport{base: httpTransport, logger: t.logger}
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = !t.cfg.RespectRobots
	// Status handling happens in OnResponse rather than colly's >= 203 rule.
	c.ParseHTTPErrorResponse = true
	if t.cfg.MaxBodySize > 0 {
		c.MaxBodySize = t.cfg.MaxBodySize
	}
	c.WithTransport(rt)
	c.SetRequestTimeout(t.cfg.Timeout)
	t.bases[proxy] = c
	return c, nil
}

func (t *Transport) configureHooks(
	hooks collectorHooks,
	req collector.Request,
	start time.Time,
	result **collector.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		if r.StatusCode >= http.StatusBadRequest {
			*fetchErr = statusError(req, r)
			return
		}
		*result = toResponse(r, start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = statusError(req, r)
			return
		}
		*fetchErr = &collector.NetworkError{Method: req.Method, URL: req.URL, Err: err}
	})
}

func statusError(req collector.Request, r *colly.Response) *collector.HTTPStatusError {
	return &collector.HTTPStatusError{
		Method:     req.Method,
		URL:        req.URL,
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
	}
}

// run returns colly's own error separately from context cancellation.
func (t *Transport) run(ctx context.Context, c *colly.Collector, req collector.Request) (visitErr, err error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Request(method, req.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly request canceled: %w", ctx.Err())
	case err := <-done:
		return err, nil
	}
}

func toResponse(r *colly.Response, start time.Time) *collector.Response {
	resp := &collector.Response{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

func copyHeaders(src http.Header, r *colly.Request) {
	for key, values := range src {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(proxy string) (*http.Transport, error) {
	tr := &http.Transport{
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
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	return tr, nil
}
