// Package htmlsource serves listings over plain HTTP: each page of the
// listing is fetched through the fingerprinted fetcher and parsed with
// goquery. Load more follows the link carried by the load-more control.
package htmlsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/FranksOps/tally/internal/config"
	"github.com/FranksOps/tally/internal/fetch"
	"github.com/FranksOps/tally/internal/listing"
	"github.com/FranksOps/tally/internal/source/fields"
	"github.com/FranksOps/tally/internal/storage"
)

// Getter fetches a URL. *fetch.Fetcher satisfies it.
type Getter interface {
	Get(ctx context.Context, targetURL string) (*fetch.Response, error)
}

// Source opens HTTP sessions on listing pages.
type Source struct {
	getter      Getter
	urlTemplate string
	sel         config.Selectors
	logger      *slog.Logger
}

var _ listing.Source = (*Source)(nil)

// New creates a Source. urlTemplate must contain {id}.
func New(getter Getter, urlTemplate string, sel config.Selectors, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{getter: getter, urlTemplate: urlTemplate, sel: sel, logger: logger}
}

// Open fetches the first page of the listing. Bot challenges and server
// errors are reported as transient so the scraper reloads.
func (s *Source) Open(ctx context.Context, listingID string) (listing.Session, error) {
	target := fields.Expand(s.urlTemplate, map[string]string{"id": url.PathEscape(listingID)})

	doc, pageURL, err := s.load(ctx, target)
	if err != nil {
		return nil, err
	}

	sess := &session{src: s, doc: doc, pageURL: pageURL}
	sess.cards = s.cardsOf(doc)
	s.logger.Debug("listing page loaded", "url", target, "cards", len(sess.cards))
	return sess, nil
}

func (s *Source) load(ctx context.Context, target string) (*goquery.Document, *url.URL, error) {
	res, err := s.getter.Get(ctx, target)
	if err != nil {
		if errors.Is(err, fetch.ErrDisallowed) || ctx.Err() != nil {
			return nil, nil, fmt.Errorf("htmlsource: %w", err)
		}
		return nil, nil, fmt.Errorf("htmlsource: %w: %w", listing.ErrTransientProvider, err)
	}
	if err := res.Err(); err != nil {
		if res.Blocked() || res.StatusCode >= 500 || res.StatusCode == 429 {
			return nil, nil, fmt.Errorf("htmlsource: %w: %w", listing.ErrTransientProvider, err)
		}
		return nil, nil, fmt.Errorf("htmlsource: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("htmlsource: parse %s: %w", target, err)
	}
	pageURL, err := url.Parse(res.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("htmlsource: parse url %s: %w", res.URL, err)
	}
	return doc, pageURL, nil
}

func (s *Source) cardsOf(doc *goquery.Document) []*goquery.Selection {
	var cards []*goquery.Selection
	doc.Find(s.sel.Card).Each(func(_ int, card *goquery.Selection) {
		cards = append(cards, card)
	})
	return cards
}

type session struct {
	src *Source
	// doc and pageURL are the most recently loaded page; the first page's
	// header stays in first.
	doc     *goquery.Document
	pageURL *url.URL
	first   *goquery.Document
	cards   []*goquery.Selection
	seen    map[string]bool
}

func (s *session) header() *goquery.Document {
	if s.first != nil {
		return s.first
	}
	return s.doc
}

func (s *session) Count(ctx context.Context) (int, error) {
	sel := s.src.sel
	doc := s.header()
	if sel.Empty != "" && fields.EmptyBanner(doc.Find(sel.Empty).First().Text(), sel.EmptyText) {
		return 0, fmt.Errorf("htmlsource: %w: empty results banner", listing.ErrTransientProvider)
	}
	counter := doc.Find(sel.Count).First()
	if counter.Length() == 0 {
		return 0, fmt.Errorf("htmlsource: %w: no element matches %q", listing.ErrTransientProvider, sel.Count)
	}
	return fields.Count(counter.Text())
}

func (s *session) Identity(ctx context.Context) (string, error) {
	if s.src.sel.Identity == "" {
		return "", nil
	}
	id := s.header().Find(s.src.sel.Identity).First()
	if id.Length() == 0 {
		return "", fmt.Errorf("htmlsource: no element matches %q", s.src.sel.Identity)
	}
	return fields.Clean(id.Text()), nil
}

func (s *session) ExtractAt(ctx context.Context, index int) (*storage.Record, error) {
	if index < 1 || index > len(s.cards) {
		return nil, fmt.Errorf("htmlsource: card %d of %d loaded: %w", index, len(s.cards), listing.ErrMaterializationPending)
	}
	card := s.cards[index-1]
	rec, err := fields.Build(s.src.sel, func(q string) (string, bool) {
		found := card.Find(q).First()
		return found.Text(), found.Length() > 0
	})
	if err != nil {
		return nil, fmt.Errorf("htmlsource: card %d: %w", index, err)
	}
	return rec, nil
}

// LoadMore fetches the page linked from the load-more control and appends
// its cards.
func (s *session) LoadMore(ctx context.Context) error {
	control := s.doc.Find(s.src.sel.LoadMore).First()
	if control.Length() == 0 {
		return listing.ErrListingExhausted
	}
	href, ok := control.Attr("href")
	if !ok {
		href, ok = control.Attr("data-href")
	}
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return fmt.Errorf("htmlsource: load-more control has no link: %w", listing.ErrStaleTrigger)
	}
	next, err := s.pageURL.Parse(href)
	if err != nil {
		return fmt.Errorf("htmlsource: load-more link %q: %w", href, listing.ErrStaleTrigger)
	}
	if s.seen == nil {
		s.seen = map[string]bool{s.pageURL.String(): true}
	}
	if s.seen[next.String()] {
		return fmt.Errorf("htmlsource: load-more link %s already followed: %w", next, listing.ErrListingExhausted)
	}

	doc, pageURL, err := s.src.load(ctx, next.String())
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", listing.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", listing.ErrStaleTrigger, err)
	}
	cards := s.src.cardsOf(doc)
	if len(cards) == 0 {
		return fmt.Errorf("htmlsource: %s has no cards: %w", next, listing.ErrStaleTrigger)
	}

	if s.first == nil {
		s.first = s.doc
	}
	s.seen[next.String()] = true
	s.doc, s.pageURL = doc, pageURL
	s.cards = append(s.cards, cards...)
	return nil
}

func (s *session) Close() error {
	s.doc, s.first, s.cards = nil, nil, nil
	return nil
}
