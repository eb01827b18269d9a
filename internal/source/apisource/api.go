// Package apisource serves listings from the paged professor JSON API.
// Each load more requests the next page.
package apisource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/FranksOps/tally/internal/bypass"
	"github.com/FranksOps/tally/internal/listing"
	"github.com/FranksOps/tally/internal/source/fields"
	"github.com/FranksOps/tally/internal/storage"
	"github.com/FranksOps/tally/pkg/ratelimit"
)

// PageSize is how many professors the API returns per page.
const PageSize = 20

// Config configures an API Source.
type Config struct {
	// Template is the page URL with {id} and {page} placeholders.
	Template string
	Timeout  time.Duration
	// UserAgent, when set, is called once per request.
	UserAgent func() string
	// Client overrides the resty client, e.g. to share a transport.
	Client  *resty.Client
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// Source opens API sessions.
type Source struct {
	cfg    Config
	client *resty.Client
	logger *slog.Logger
}

var _ listing.Source = (*Source)(nil)

// New creates a Source.
func New(cfg Config) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = resty.New()
		client.SetTimeout(cfg.Timeout)
		client.SetHeader("Accept", "application/json")
	}
	return &Source{cfg: cfg, client: client, logger: cfg.Logger}
}

// text accepts a JSON string, number or null.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
	default:
		*t = text(b)
	}
	return nil
}

type professor struct {
	ID                text `json:"tid"`
	FirstName         text `json:"tFname"`
	LastName          text `json:"tLname"`
	Department        text `json:"tDept"`
	Institution       text `json:"institution_name"`
	OverallRating     text `json:"overall_rating"`
	NumRatings        text `json:"tNumRatings"`
	WouldTakeAgainPct text `json:"would_take_again_pct"`
	Difficulty        text `json:"difficulty"`
}

type page struct {
	Professors         []professor `json:"professors"`
	SearchResultsTotal int         `json:"searchResultsTotal"`
	Remaining          *int        `json:"remaining"`
}

// record converts p. Professors without ratings get an overall rating of 0.
func (p professor) record() (*storage.Record, error) {
	rec := &storage.Record{
		Name:              fields.Clean(string(p.FirstName) + " " + string(p.LastName)),
		Category:          fields.Clean(string(p.Department)),
		School:            fields.Clean(string(p.Institution)),
		Rating:            fields.Clean(string(p.OverallRating)),
		NumRatings:        fields.Clean(string(p.NumRatings)),
		WouldTakeAgainPct: fields.Clean(string(p.WouldTakeAgainPct)),
		Difficulty:        fields.Clean(string(p.Difficulty)),
	}
	if rec.Name == "" {
		return nil, fmt.Errorf("professor %s has no name: %w", p.ID, listing.ErrRecordMalformed)
	}
	if n, err := strconv.Atoi(rec.NumRatings); err != nil || n < 1 {
		rec.Rating = "0"
	}
	return rec, nil
}

func (s *Source) fetch(ctx context.Context, listingID string, n int) (*page, error) {
	target := fields.Expand(s.cfg.Template, map[string]string{
		"id":   url.QueryEscape(listingID),
		"page": strconv.Itoa(n),
	})

	if err := s.cfg.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("apisource: rate limiter: %w", err)
	}

	req := s.client.R().SetContext(ctx)
	if s.cfg.UserAgent != nil {
		if ua := s.cfg.UserAgent(); ua != "" {
			req.SetHeader("User-Agent", ua)
		}
	}
	res, err := req.Get(target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("apisource: get page %d: %w", n, ctx.Err())
		}
		return nil, fmt.Errorf("apisource: get page %d: %w: %w", n, listing.ErrTransientProvider, err)
	}

	if _, src := bypass.Challenged(res.StatusCode(), res.Header(), res.Body()); src != "" {
		return nil, fmt.Errorf("apisource: page %d: %w: %s challenge", n, listing.ErrTransientProvider, src)
	}
	if code := res.StatusCode(); code >= 500 || code == 429 {
		return nil, fmt.Errorf("apisource: page %d: %w: status %d", n, listing.ErrTransientProvider, code)
	}
	if res.IsError() {
		return nil, fmt.Errorf("apisource: page %d: status %d", n, res.StatusCode())
	}

	var p page
	if err := json.Unmarshal(res.Body(), &p); err != nil {
		return nil, fmt.Errorf("apisource: decode page %d: %w: %w", n, listing.ErrTransientProvider, err)
	}
	return &p, nil
}

// Open requests the first page.
func (s *Source) Open(ctx context.Context, listingID string) (listing.Session, error) {
	p, err := s.fetch(ctx, listingID, 1)
	if err != nil {
		return nil, err
	}
	sess := &session{src: s, listingID: listingID, total: p.SearchResultsTotal, page: 1}
	sess.add(p)
	s.logger.Debug("api page loaded", "listing", listingID, "page", 1, "professors", len(p.Professors))
	return sess, nil
}

type session struct {
	src        *Source
	listingID  string
	total      int
	page       int
	professors []professor
	done       bool
}

func (s *session) add(p *page) {
	s.professors = append(s.professors, p.Professors...)
	if len(p.Professors) == 0 || (p.Remaining != nil && *p.Remaining <= 0) {
		s.done = true
	}
}

func (s *session) Count(ctx context.Context) (int, error) {
	return s.total, nil
}

// Identity is the institution of the first professor listed.
func (s *session) Identity(ctx context.Context) (string, error) {
	for _, p := range s.professors {
		if name := fields.Clean(string(p.Institution)); name != "" {
			return name, nil
		}
	}
	return "", nil
}

func (s *session) ExtractAt(ctx context.Context, index int) (*storage.Record, error) {
	if index < 1 || index > len(s.professors) {
		return nil, fmt.Errorf("apisource: professor %d of %d loaded: %w", index, len(s.professors), listing.ErrMaterializationPending)
	}
	rec, err := s.professors[index-1].record()
	if err != nil {
		return nil, fmt.Errorf("apisource: %w", err)
	}
	return rec, nil
}

func (s *session) LoadMore(ctx context.Context) error {
	if s.done {
		return listing.ErrListingExhausted
	}
	p, err := s.src.fetch(ctx, s.listingID, s.page+1)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", listing.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", listing.ErrStaleTrigger, err)
	}
	s.page++
	if len(p.Professors) == 0 {
		s.done = true
		return listing.ErrListingExhausted
	}
	s.add(p)
	return nil
}

func (s *session) Close() error {
	s.professors = nil
	return nil
}
