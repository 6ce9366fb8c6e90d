// Package invoke issues one HTTP request per call over a shared pooled
// transport and classifies the outcome. It never retries; retry policy
// belongs to the execution driver.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chronod/pkg/logx"
)

// ErrorKind classifies transport-level failures. A received response is
// never an error here, whatever its status code.
type ErrorKind string

const (
	// KindNoResponse covers connection failures: refused, DNS, reset.
	KindNoResponse ErrorKind = "NO_RESPONSE"
	// KindTimeout means the per-attempt deadline elapsed.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindBadRequest means the request could not be constructed.
	KindBadRequest ErrorKind = "REQUEST_INVALID"
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invoke: %s: %v", strings.ToLower(string(e.Kind)), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config bounds the shared transport.
type Config struct {
	MaxSocketsPerHost int // open connections per host; default 50
	MaxIdlePerHost    int // idle connections retained per host; default 10

	// RatePerHost throttles requests per target host per second.
	// 0 disables throttling.
	RatePerHost int
}

// Request describes one call. Deadline is mandatory.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    string
	Timeout time.Duration
}

// Response is whatever the target answered with, 5xx included.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client is the process-wide invoker. One instance per process so
// connection pooling and per-host limits apply globally.
type Client struct {
	http *http.Client
	cfg  Config
	log  logx.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.MaxSocketsPerHost <= 0 {
		cfg.MaxSocketsPerHost = 50
	}
	if cfg.MaxIdlePerHost <= 0 {
		cfg.MaxIdlePerHost = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxSocketsPerHost,
		MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
		MaxIdleConns:        cfg.MaxIdlePerHost * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		// Per-call deadlines come from the request context; the client
		// itself has no global timeout.
		http:     &http.Client{Transport: transport},
		cfg:      cfg,
		log:      log,
		limiters: map[string]*rate.Limiter{},
	}
}

// Do performs one attempt. The returned *Error is limited to transport
// and request-construction failures.
func (c *Client) Do(ctx context.Context, r Request) (Response, error) {
	target, err := buildURL(r)
	if err != nil {
		return Response{}, &Error{Kind: KindBadRequest, Err: err}
	}

	if lim := c.limiter(target.Host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Response{}, classify(ctx, err)
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, strings.ToUpper(r.Method), target.String(), body)
	if err != nil {
		return Response{}, &Error{Kind: KindBadRequest, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, classify(callCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, classify(callCtx, err)
	}

	c.log.Debug("invoked",
		logx.String("method", req.Method),
		logx.String("host", target.Host),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)))

	return Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	if c.cfg.RatePerHost <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RatePerHost), c.cfg.RatePerHost)
		c.limiters[host] = lim
	}
	return lim
}

// Close releases idle connections.
func (c *Client) Close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func buildURL(r Request) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, v := range r.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func classify(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNoResponse, Err: err}
}
