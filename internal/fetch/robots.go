package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// RobotsAuditor fetches, caches and evaluates robots.txt per host.
type RobotsAuditor struct {
	fetcher *Fetcher
	logger  *slog.Logger
	mu      sync.RWMutex
	cache   map[string]*robotstxt.RobotsData
}

// NewRobotsAuditor creates an auditor fetching through fetcher.
func NewRobotsAuditor(fetcher *Fetcher, logger *slog.Logger) *RobotsAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsAuditor{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

// IsAllowed reports whether userAgent may fetch targetURL. An unreachable
// or missing robots.txt allows everything.
func (r *RobotsAuditor) IsAllowed(ctx context.Context, targetURL string, userAgent string) (bool, error) {
	group, err := r.group(ctx, targetURL, userAgent)
	if err != nil {
		return false, err
	}
	if group == nil {
		return true, nil
	}
	u, _ := url.Parse(targetURL)
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return group.Test(path), nil
}

// CrawlDelay returns the Crawl-delay declared for userAgent, or zero.
func (r *RobotsAuditor) CrawlDelay(ctx context.Context, targetURL string, userAgent string) time.Duration {
	group, err := r.group(ctx, targetURL, userAgent)
	if err != nil || group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (r *RobotsAuditor) group(ctx context.Context, targetURL, userAgent string) (*robotstxt.Group, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url: %w", err)
	}

	host := u.Scheme + "://" + u.Host
	data, err := r.getOrFetch(ctx, host)
	if err != nil {
		r.logger.Debug("robots.txt fetch failed, defaulting to allow", "host", host, "err", err)
		return nil, nil
	}
	if data == nil {
		return nil, nil
	}
	return data.FindGroup(userAgent), nil
}

func (r *RobotsAuditor) getOrFetch(ctx context.Context, host string) (*robotstxt.RobotsData, error) {
	r.mu.RLock()
	data, exists := r.cache[host]
	r.mu.RUnlock()

	if exists {
		return data, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, exists = r.cache[host]
	if exists {
		return data, nil
	}

	robotsURL, err := url.Parse(host + "/robots.txt")
	if err != nil {
		return nil, fmt.Errorf("robots url: %w", err)
	}

	result, err := r.fetcher.get(ctx, robotsURL)
	if err != nil {
		r.cache[host] = nil
		return nil, fmt.Errorf("fetch error: %w", err)
	}

	if result.StatusCode >= 400 {
		r.cache[host] = nil
		return nil, nil
	}

	parsed, err := robotstxt.FromBytes(result.Body)
	if err != nil {
		r.cache[host] = nil
		return nil, fmt.Errorf("parse error: %w", err)
	}

	r.cache[host] = parsed
	return parsed, nil
}
