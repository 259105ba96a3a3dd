package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/ratelimit"

	"stb-proxy/work/cache"
	"stb-proxy/work/client"
	"stb-proxy/work/config"
	"stb-proxy/work/metrics"
)

// ErrUpstreamUnavailable reports a portal call that still failed after every
// retry. Match it with errors.Is; the concrete error is an *UpstreamError.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// maxResponseSize bounds a single portal response body.
const maxResponseSize = 32 << 20

// UpstreamError describes a portal operation that exhausted its retries.
type UpstreamError struct {
	Op  string // portal action, e.g. "handshake"
	URL string // endpoint the call went to
	Err error  // last attempt's error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("portal %s at %s: %v", e.Op, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is makes every UpstreamError match ErrUpstreamUnavailable.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// Session identifies one account talking to one portal API endpoint. Token is
// empty until Handshake succeeds.
type Session struct {
	Endpoint string // resolved API endpoint, see ResolvePortalURL
	MAC      string
	Token    string
	Proxy    string // outbound proxy, "" for a direct connection
}

// Options tunes retries, timeouts and request pacing.
type Options struct {
	Retries        int           // attempts per operation
	BackoffInitial time.Duration // first retry delay
	BackoffMax     time.Duration // retry delay cap
	RequestTimeout time.Duration // per HTTP request
	RateLimit      int           // requests per second per portal host, 0 disables
}

// OptionsFromConfig maps the portal settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Retries:        cfg.PortalRetries,
		BackoffInitial: cfg.PortalBackoffInitial,
		BackoffMax:     cfg.PortalBackoffMax,
		RequestTimeout: cfg.PortalRequestTimeout,
		RateLimit:      cfg.PortalRateLimit,
	}
}

// Client performs Stalker portal API calls. It keeps no per-account state;
// everything an operation needs travels in the Session.
type Client struct {
	opts     Options
	clients  *client.Pool
	cache    *cache.Cache // optional, caches resolved endpoints
	limiters map[string]ratelimit.Limiter
	limMu    sync.RWMutex
}

// New creates a portal client. cacheInstance may be nil.
func New(opts Options, cacheInstance *cache.Cache) *Client {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 200 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Client{
		opts:     opts,
		clients:  client.NewPool(0),
		cache:    cacheInstance,
		limiters: make(map[string]ratelimit.Limiter),
	}
}

// limiterFor returns the rate limiter of the portal host behind endpoint.
func (c *Client) limiterFor(endpoint string) ratelimit.Limiter {
	if c.opts.RateLimit <= 0 {
		return ratelimit.NewUnlimited()
	}

	key := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		key = u.Host
	}

	c.limMu.RLock()
	limiter, exists := c.limiters[key]
	c.limMu.RUnlock()
	if exists {
		return limiter
	}

	c.limMu.Lock()
	defer c.limMu.Unlock()

	if limiter, exists := c.limiters[key]; exists {
		return limiter
	}
	limiter = ratelimit.New(c.opts.RateLimit)
	c.limiters[key] = limiter
	return limiter
}

// withRetry runs fn with exponential backoff and wraps the final failure in an
// UpstreamError. Context cancellation stops retrying at once.
func withRetry[T any](ctx context.Context, c *Client, op, target string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax

	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.opts.Retries)))
	if err != nil {
		return result, &UpstreamError{Op: op, URL: target, Err: err}
	}
	return result, nil
}

// get issues one portal API request and returns the "js" member of the
// response envelope.
func (c *Client) get(ctx context.Context, s Session, query url.Values) (json.RawMessage, error) {
	action := query.Get("action")
	query.Set("JsHttpRequest", "1-xml")

	hc, err := c.clients.Get(s.Proxy)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	c.limiterFor(s.Endpoint).Take()

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.Endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := hc.DoPortal(req, s.MAC, s.Token)
	if err != nil {
		metrics.PortalRequests.WithLabelValues(action, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.PortalRequests.WithLabelValues(action, "error").Inc()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var envelope struct {
		JS json.RawMessage `json:"js"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&envelope); err != nil {
		metrics.PortalRequests.WithLabelValues(action, "error").Inc()
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.JS) == 0 || string(envelope.JS) == "null" {
		metrics.PortalRequests.WithLabelValues(action, "error").Inc()
		return nil, errors.New("empty js payload")
	}

	metrics.PortalRequests.WithLabelValues(action, "ok").Inc()
	return envelope.JS, nil
}
