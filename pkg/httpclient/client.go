package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// ErrNilContext is returned by Do when ctx is nil.
var ErrNilContext = errors.New("httpclient: context cannot be nil")

// DefaultHeaders are sent on every request unless the request already sets them.
var DefaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7",
	"Accept-Language": "en-US,en;q=0.9",
}

// Config defines the setup for the HTTP Client.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool
	// Headers extend DefaultHeaders. A request's own headers win.
	Headers map[string]string
	// UserAgent, when set, is consulted per request for the User-Agent header.
	UserAgent func() string
	// Transport for proxies or uTLS fingerprinting.
	Transport http.RoundTripper
}

// Client wraps http.Client with timeouts, a redirect policy, cookie
// persistence and a default header set.
type Client struct {
	*http.Client
	headers   map[string]string
	userAgent func() string
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &http.Client{
		Timeout: cfg.Timeout,
	}

	if cfg.MaxRedirects >= 0 {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("httpclient: stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		}
	} else {
		// max < 0 disables redirects entirely
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	if cfg.UseCookieJar {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("httpclient: cookie jar: %w", err)
		}
		c.Jar = jar
	}

	if cfg.Transport != nil {
		c.Transport = cfg.Transport
	}

	headers := make(map[string]string, len(DefaultHeaders)+len(cfg.Headers))
	for k, v := range DefaultHeaders {
		headers[k] = v
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Client{Client: c, headers: headers, userAgent: cfg.UserAgent}, nil
}

// Do executes req bound to ctx. ctx governs cancellation independently of
// the client timeout.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	reqWithCtx := req.Clone(ctx)
	for k, v := range c.headers {
		if reqWithCtx.Header.Get(k) == "" {
			reqWithCtx.Header.Set(k, v)
		}
	}
	if c.userAgent != nil && reqWithCtx.Header.Get("User-Agent") == "" {
		if ua := c.userAgent(); ua != "" {
			reqWithCtx.Header.Set("User-Agent", ua)
		}
	}

	resp, err := c.Client.Do(reqWithCtx)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %w", err)
	}
	return resp, nil
}
