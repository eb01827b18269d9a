// Package browsersource serves listings through a real browser driven by
// go-rod. Load more clicks the control and polls until the card count grows.
package browsersource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/FranksOps/tally/internal/bypass"
	"github.com/FranksOps/tally/internal/config"
	"github.com/FranksOps/tally/internal/listing"
	"github.com/FranksOps/tally/internal/source/fields"
	"github.com/FranksOps/tally/internal/storage"
	"github.com/FranksOps/tally/pkg/ratelimit"
)

// Config configures a browser Source.
type Config struct {
	Browser     config.Browser
	URLTemplate string
	Selectors   config.Selectors
	// RenderTimeout bounds how long Open waits for the count to render.
	// Default 10s.
	RenderTimeout time.Duration
	// PollInterval is how often the page is checked while waiting. Default 250ms.
	PollInterval time.Duration
	// UserAgent, when set, is called once per page.
	UserAgent func() string
	// Limiter paces navigations and load-more clicks.
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// Source launches (or attaches to) one browser and opens a page per session.
// Close releases the browser.
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

var _ listing.Source = (*Source)(nil)

// New creates a Source. The browser is started on the first Open.
func New(cfg Config) *Source {
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Source{cfg: cfg, logger: cfg.Logger}
}

// connect returns the shared browser, launching it if needed. The browser
// is not bound to ctx; only the launch is.
func (s *Source) connect(ctx context.Context) (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}

	controlURL := s.cfg.Browser.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(s.cfg.Browser.Headless).
			NoSandbox(s.cfg.Browser.NoSandbox).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-dev-shm-usage")
		if s.cfg.Browser.IgnoreCertErrors {
			l = l.Set("ignore-certificate-errors")
		}
		if s.cfg.Browser.Bin != "" {
			l = l.Bin(s.cfg.Browser.Bin)
		}

		// ctx bounds only the startup; the launched process outlives it.
		l = l.Context(ctx)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browsersource: launch browser: %w", err)
		}
		s.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("browsersource: connect to %s: %w", controlURL, err)
	}
	if s.cfg.Browser.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			s.logger.Warn("could not ignore certificate errors", "err", err)
		}
	}
	s.browser = b
	s.logger.Info("browser connected", "headless", s.cfg.Browser.Headless, "stealth", s.cfg.Browser.Stealth)
	return b, nil
}

func (s *Source) cleanup() {
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
		s.launcher = nil
	}
}

// Close shuts the browser down. A browser attached through ControlURL is
// left running.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.browser != nil && s.cfg.Browser.ControlURL == "" {
		err = s.browser.Close()
	}
	s.browser = nil
	s.cleanup()
	if err != nil {
		return fmt.Errorf("browsersource: close: %w", err)
	}
	return nil
}

func (s *Source) newPage(b *rod.Browser) (*rod.Page, error) {
	if s.cfg.Browser.Stealth {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{})
}

// Open navigates a fresh page to the listing and waits until the count or
// the empty banner renders. Navigation failures are transient.
func (s *Source) Open(ctx context.Context, listingID string) (listing.Session, error) {
	b, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	page, err := s.newPage(b)
	if err != nil {
		return nil, fmt.Errorf("browsersource: new page: %w", err)
	}
	sess := &session{src: s, page: page}

	if s.cfg.UserAgent != nil {
		if ua := s.cfg.UserAgent(); ua != "" {
			if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
				s.logger.Warn("could not set user agent", "err", err)
			}
		}
	}

	if err := s.cfg.Limiter.Wait(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}
	target := fields.Expand(s.cfg.URLTemplate, map[string]string{"id": url.PathEscape(listingID)})
	p := page.Context(ctx)
	if err := p.Navigate(target); err != nil {
		_ = sess.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("browsersource: %w: navigate %s: %w", listing.ErrTransientProvider, target, err)
	}
	if err := p.WaitLoad(); err != nil && ctx.Err() == nil {
		s.logger.Debug("page load event not seen", "url", target, "err", err)
	}

	if err := sess.waitRendered(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

type session struct {
	src  *Source
	page *rod.Page
}

// waitRendered polls until the count or empty banner is present.
func (s *session) waitRendered(ctx context.Context) error {
	sel := s.src.cfg.Selectors
	wctx, cancel := context.WithTimeout(ctx, s.src.cfg.RenderTimeout)
	defer cancel()

	err := listing.Poll(wctx, s.src.cfg.PollInterval, func(c context.Context) (bool, error) {
		p := s.page.Context(c)
		if has, _, err := p.Has(sel.Count); err == nil && has {
			return true, nil
		}
		if sel.Empty != "" {
			if has, _, err := p.Has(sel.Empty); err == nil && has {
				return true, nil
			}
		}
		return false, nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, listing.ErrTimeout):
		return s.challengeOr(ctx, fmt.Errorf("browsersource: %w: listing did not render: %w", listing.ErrTransientProvider, err))
	default:
		return err
	}
}

// challengeOr names the bot protection when the page is a challenge.
func (s *session) challengeOr(ctx context.Context, err error) error {
	html, herr := s.page.Context(ctx).HTML()
	if herr != nil {
		return err
	}
	if _, src := bypass.Challenged(0, nil, []byte(html)); src != "" {
		return fmt.Errorf("browsersource: %w: %s challenge", listing.ErrTransientProvider, src)
	}
	return err
}

func (s *session) text(ctx context.Context, selector string) (string, bool, error) {
	has, el, err := s.page.Context(ctx).Has(selector)
	if err != nil || !has {
		return "", has, err
	}
	t, err := el.Text()
	return t, true, err
}

func (s *session) Count(ctx context.Context) (int, error) {
	sel := s.src.cfg.Selectors
	if sel.Empty != "" {
		t, _, err := s.text(ctx, sel.Empty)
		if err != nil {
			return 0, fmt.Errorf("browsersource: read banner: %w", err)
		}
		if fields.EmptyBanner(t, sel.EmptyText) {
			return 0, fmt.Errorf("browsersource: %w: empty results banner", listing.ErrTransientProvider)
		}
	}
	t, ok, err := s.text(ctx, sel.Count)
	if err != nil {
		return 0, fmt.Errorf("browsersource: read count: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("browsersource: %w: no element matches %q", listing.ErrTransientProvider, sel.Count)
	}
	return fields.Count(t)
}

func (s *session) Identity(ctx context.Context) (string, error) {
	if s.src.cfg.Selectors.Identity == "" {
		return "", nil
	}
	t, ok, err := s.text(ctx, s.src.cfg.Selectors.Identity)
	if err != nil {
		return "", fmt.Errorf("browsersource: read identity: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("browsersource: no element matches %q", s.src.cfg.Selectors.Identity)
	}
	return fields.Clean(t), nil
}

func (s *session) cards(ctx context.Context) (rod.Elements, error) {
	els, err := s.page.Context(ctx).Elements(s.src.cfg.Selectors.Card)
	if err != nil {
		return nil, fmt.Errorf("browsersource: query cards: %w", err)
	}
	return els, nil
}

func (s *session) ExtractAt(ctx context.Context, index int) (*storage.Record, error) {
	cards, err := s.cards(ctx)
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(cards) {
		return nil, fmt.Errorf("browsersource: card %d of %d rendered: %w", index, len(cards), listing.ErrMaterializationPending)
	}
	card := cards[index-1]
	rec, err := fields.Build(s.src.cfg.Selectors, func(q string) (string, bool) {
		els, err := card.Elements(q)
		if err != nil || len(els) == 0 {
			return "", false
		}
		t, err := els.First().Text()
		if err != nil {
			return "", true
		}
		return t, true
	})
	if err != nil {
		return nil, fmt.Errorf("browsersource: card %d: %w", index, err)
	}
	return rec, nil
}

// LoadMore clicks the control through JavaScript and waits for more cards.
func (s *session) LoadMore(ctx context.Context) error {
	before, err := s.cards(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", listing.ErrStaleTrigger, err)
	}

	has, button, err := s.page.Context(ctx).Has(s.src.cfg.Selectors.LoadMore)
	if err != nil {
		return fmt.Errorf("browsersource: find load-more control: %w: %w", listing.ErrStaleTrigger, err)
	}
	if !has {
		return listing.ErrListingExhausted
	}
	if err := s.src.cfg.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", listing.ErrTimeout, err)
	}
	if _, err := button.Eval(`() => this.click()`); err != nil {
		return fmt.Errorf("browsersource: click load more: %w: %w", listing.ErrStaleTrigger, err)
	}

	err = listing.Poll(ctx, s.src.cfg.PollInterval, func(c context.Context) (bool, error) {
		els, err := s.page.Context(c).Elements(s.src.cfg.Selectors.Card)
		if err != nil {
			return false, nil
		}
		return len(els) > len(before), nil
	})
	if err != nil {
		return fmt.Errorf("browsersource: waiting for more than %d cards: %w", len(before), err)
	}
	return nil
}

func (s *session) Close() error {
	if s.page == nil {
		return nil
	}
	err := s.page.Close()
	s.page = nil
	if err != nil {
		return fmt.Errorf("browsersource: close page: %w", err)
	}
	return nil
}
