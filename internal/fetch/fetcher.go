// Package fetch performs single HTTP GETs through the fingerprinted transport,
// with User-Agent rotation, proxy rotation, rate limiting, optional robots.txt
// enforcement and bot-challenge detection.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FranksOps/tally/internal/bypass"
	"github.com/FranksOps/tally/internal/fingerprint"
	"github.com/FranksOps/tally/internal/metrics"
	"github.com/FranksOps/tally/pkg/httpclient"
	"github.com/FranksOps/tally/pkg/proxy"
	"github.com/FranksOps/tally/pkg/ratelimit"
	"github.com/FranksOps/tally/pkg/useragent"
)

var (
	// ErrBlocked marks a response recognized as a bot challenge or block page.
	ErrBlocked = errors.New("fetch: blocked by bot protection")
	// ErrDisallowed is returned when robots.txt forbids the URL.
	ErrDisallowed = errors.New("fetch: disallowed by robots.txt")
	// ErrStatus marks a non-2xx response that is not a recognized challenge.
	ErrStatus = errors.New("fetch: unexpected status")
)

type contextKey string

const proxyKey contextKey = "proxy_url"

// DefaultRobotsAgent is the product token matched against robots.txt groups.
const DefaultRobotsAgent = "tally"

// Config configures a Fetcher.
type Config struct {
	Timeout            time.Duration
	MaxRedirects       int
	UseCookieJar       bool
	ProxyPool          *proxy.Pool
	UAPool             *useragent.Pool
	Fingerprint        fingerprint.Profile
	InsecureSkipVerify bool
	Limiter            *ratelimit.Limiter
	RespectRobots      bool
	RobotsAgent        string
	Logger             *slog.Logger
}

// Response is a fully read HTTP response.
type Response struct {
	ID string
	// URL is where the body came from, after any redirects.
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// BlockedBy names the bot protection that challenged the request, if any.
	BlockedBy string
}

// Blocked reports whether a bot challenge was detected.
func (r *Response) Blocked() bool {
	return r.BlockedBy != ""
}

// Err classifies the response: ErrBlocked for challenges, ErrStatus for
// other non-2xx codes, nil otherwise.
func (r *Response) Err() error {
	if r.Blocked() {
		return fmt.Errorf("%w (%s, status %d)", ErrBlocked, r.BlockedBy, r.StatusCode)
	}
	if r.StatusCode < 200 || r.StatusCode > 299 {
		return fmt.Errorf("%w %d from %s", ErrStatus, r.StatusCode, r.URL)
	}
	return nil
}

// Fetcher is safe for concurrent use. One client is held for its lifetime so
// connections and cookies persist across requests.
type Fetcher struct {
	cfg    Config
	client *httpclient.Client
	robots *RobotsAuditor
	logger *slog.Logger

	mu       sync.Mutex
	lastHost map[string]time.Time
}

// New builds a Fetcher from cfg, filling zero values with defaults.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.RobotsAgent == "" {
		cfg.RobotsAgent = DefaultRobotsAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// The proxy is picked per request and carried in its context, so one
	// transport can rotate proxies without being rebuilt.
	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if u, ok := req.Context().Value(proxyKey).(*url.URL); ok && u != nil {
			return u, nil
		}
		return http.ProxyFromEnvironment(req)
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{
		Proxy:              proxyFunc,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		UserAgent:    cfg.UAPool.Next,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: client: %w", err)
	}

	f := &Fetcher{
		cfg:      cfg,
		client:   client,
		logger:   cfg.Logger,
		lastHost: make(map[string]time.Time),
	}
	if cfg.RespectRobots {
		f.robots = NewRobotsAuditor(f, cfg.Logger)
	}
	return f, nil
}

// Get fetches targetURL. Transport failures are returned as errors; HTTP
// level outcomes, including challenges, come back in the Response (see Err).
func (f *Fetcher) Get(ctx context.Context, targetURL string) (*Response, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse %q: %w", targetURL, err)
	}

	if f.robots != nil {
		allowed, err := f.robots.IsAllowed(ctx, targetURL, f.cfg.RobotsAgent)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s", ErrDisallowed, targetURL)
		}
		if err := f.crawlDelay(ctx, u); err != nil {
			return nil, err
		}
	}

	return f.get(ctx, u)
}

func (f *Fetcher) get(ctx context.Context, u *url.URL) (*Response, error) {
	if err := f.cfg.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch: rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: request: %w", err)
	}

	var activeProxy *url.URL
	if f.cfg.ProxyPool != nil {
		activeProxy = f.cfg.ProxyPool.Next()
		if activeProxy != nil {
			req = req.WithContext(context.WithValue(req.Context(), proxyKey, activeProxy))
		} else if st := f.cfg.ProxyPool.Stats(); st.Total > 0 {
			f.logger.Warn("all proxies benched, fetching directly", "url", u.String(), "disabled", st.Disabled)
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req.Context(), req)
	if err != nil {
		if activeProxy != nil {
			_ = f.cfg.ProxyPool.MarkFailure(activeProxy)
			metrics.ProxyFailures.WithLabelValues(activeProxy.String()).Inc()
			st := f.cfg.ProxyPool.Stats()
			f.logger.Warn("proxy failed", "proxy", activeProxy.Redacted(), "healthy", st.Healthy, "disabled", st.Disabled)
		}
		metrics.RecordFetch(u.Hostname(), 0, "", time.Since(start), 0)
		return nil, fmt.Errorf("fetch: get %s: %w", u, err)
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.cfg.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read body of %s: %w", u, err)
	}

	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	res := &Response{
		ID:         uuid.NewString(),
		URL:        final.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}
	if _, src := bypass.Challenged(res.StatusCode, res.Headers, res.Body); src != "" {
		res.BlockedBy = src
		f.logger.Warn("bot challenge detected", "url", res.URL, "status", res.StatusCode, "source", src)
	}

	metrics.RecordFetch(u.Hostname(), res.StatusCode, res.BlockedBy, res.Duration, len(res.Body))
	return res, nil
}

// crawlDelay spaces requests to one host by the robots.txt Crawl-delay.
func (f *Fetcher) crawlDelay(ctx context.Context, u *url.URL) error {
	delay := f.robots.CrawlDelay(ctx, u.String(), f.cfg.RobotsAgent)
	if delay <= 0 {
		return nil
	}

	f.mu.Lock()
	next := f.lastHost[u.Host].Add(delay)
	now := time.Now()
	if next.Before(now) {
		next = now
	}
	f.lastHost[u.Host] = next
	f.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
