// Package source builds the listing.Source for the configured transport and
// the shared HTTP plumbing it needs.
package source

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/FranksOps/tally/internal/config"
	"github.com/FranksOps/tally/internal/fetch"
	"github.com/FranksOps/tally/internal/fingerprint"
	"github.com/FranksOps/tally/internal/listing"
	"github.com/FranksOps/tally/internal/source/apisource"
	"github.com/FranksOps/tally/internal/source/browsersource"
	"github.com/FranksOps/tally/internal/source/htmlsource"
	"github.com/FranksOps/tally/pkg/proxy"
	"github.com/FranksOps/tally/pkg/ratelimit"
	"github.com/FranksOps/tally/pkg/useragent"
)

// Deps are shared collaborators. Zero fields are built from the config.
type Deps struct {
	Fetcher    *fetch.Fetcher
	UserAgents *useragent.Pool
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
}

// New returns the Source for cfg.Transport. If the returned Source also
// implements io.Closer the caller must close it.
func New(cfg *config.Config, deps Deps) (listing.Source, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("transport", cfg.Transport)

	if deps.UserAgents == nil {
		pool, err := UserAgents(cfg.Fetch)
		if err != nil {
			return nil, err
		}
		deps.UserAgents = pool
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewLimiter(cfg.Fetch.RPS, cfg.Fetch.Jitter)
	}

	switch cfg.Transport {
	case config.TransportHTTP:
		if deps.Fetcher == nil {
			f, err := NewFetcher(cfg.Fetch, deps.UserAgents, deps.Limiter, logger)
			if err != nil {
				return nil, err
			}
			deps.Fetcher = f
		}
		return htmlsource.New(deps.Fetcher, cfg.URLTemplate, cfg.Selectors, logger), nil

	case config.TransportBrowser:
		return browsersource.New(browsersource.Config{
			Browser:       cfg.Browser,
			URLTemplate:   cfg.URLTemplate,
			Selectors:     cfg.Selectors,
			RenderTimeout: cfg.Scrape.WaitTimeout,
			PollInterval:  cfg.Scrape.PollInterval,
			UserAgent:     deps.UserAgents.Next,
			Limiter:       deps.Limiter,
			Logger:        logger,
		}), nil

	case config.TransportAPI:
		return apisource.New(apisource.Config{
			Template:  cfg.APITemplate,
			Timeout:   cfg.Fetch.Timeout,
			UserAgent: deps.UserAgents.Next,
			Limiter:   deps.Limiter,
			Logger:    logger,
		}), nil

	default:
		return nil, fmt.Errorf("source: unknown transport %q", cfg.Transport)
	}
}

// Close closes src if it holds resources.
func Close(src listing.Source) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// PageSize is the number of records one load more reveals on transport.
// The API pages are fixed by the provider.
func PageSize(cfg *config.Config) int {
	if cfg.Transport == config.TransportAPI {
		return apisource.PageSize
	}
	return cfg.Scrape.PageSize
}

// UserAgents builds the User-Agent pool from cfg.
func UserAgents(cfg config.Fetch) (*useragent.Pool, error) {
	strategy, err := useragent.ParseStrategy(cfg.UAStrategy)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return useragent.NewPoolWithStrategy(cfg.UserAgents, strategy), nil
}

// NewFetcher builds the fingerprinted fetcher with its proxy pool.
func NewFetcher(cfg config.Fetch, uas *useragent.Pool, limiter *ratelimit.Limiter, logger *slog.Logger) (*fetch.Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	profile, err := fingerprint.ParseProfile(cfg.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	var proxies *proxy.Pool
	if len(cfg.Proxies) > 0 || cfg.ProxyFile != "" {
		proxies = proxy.NewPool(proxy.Config{})
		if err := proxies.Add(cfg.Proxies...); err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		if cfg.ProxyFile != "" {
			if err := proxies.LoadFile(cfg.ProxyFile); err != nil {
				return nil, fmt.Errorf("source: %w", err)
			}
		}
		st := proxies.Stats()
		logger.Info("proxy pool loaded", "proxies", st.Total, "healthy", st.Healthy)
	}

	f, err := fetch.New(fetch.Config{
		Timeout:            cfg.Timeout,
		MaxRedirects:       cfg.MaxRedirects,
		UseCookieJar:       cfg.UseCookieJar,
		ProxyPool:          proxies,
		UAPool:             uas,
		Fingerprint:        profile,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Limiter:            limiter,
		RespectRobots:      cfg.RespectRobots,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return f, nil
}
