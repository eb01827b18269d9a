// Package fields turns the text found under configured selectors into
// listing records. It is shared by the transports that read rendered markup.
package fields

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/FranksOps/tally/internal/config"
	"github.com/FranksOps/tally/internal/listing"
	"github.com/FranksOps/tally/internal/storage"
)

var countPattern = regexp.MustCompile(`\d{1,3}(?:,\d{3})+|\d+`)

// Count parses the first integer in text. Thousands separators are allowed.
// Text without a number is a provider error state.
func Count(text string) (int, error) {
	m := countPattern.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("%w: no count in %q", listing.ErrTransientProvider, Clean(text))
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0, fmt.Errorf("%w: count %q: %w", listing.ErrTransientProvider, m, err)
	}
	return n, nil
}

// Clean collapses runs of whitespace and trims the result.
func Clean(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// EmptyBanner reports whether text carries the provider's no-results banner.
func EmptyBanner(text, banner string) bool {
	if banner == "" {
		return false
	}
	return strings.Contains(Clean(text), Clean(banner))
}

// Build assembles a record from the text under each field selector. lookup
// is called only for configured selectors and reports whether any element
// matched. A record is malformed when its name is blank or when a configured
// field not listed in sel.Optional matches nothing.
func Build(sel config.Selectors, lookup func(selector string) (string, bool)) (*storage.Record, error) {
	var missing []string
	get := func(field, selector string) string {
		if selector == "" {
			return ""
		}
		text, ok := lookup(selector)
		if !ok && !slices.Contains(sel.Optional, field) {
			missing = append(missing, field)
		}
		return Clean(text)
	}

	rec := &storage.Record{
		Name:              get(config.FieldName, sel.Name),
		Category:          get(config.FieldCategory, sel.Category),
		School:            get(config.FieldSchool, sel.School),
		Rating:            get(config.FieldRating, sel.Rating),
		NumRatings:        Number(get(config.FieldNumRatings, sel.NumRatings)),
		WouldTakeAgainPct: get(config.FieldWouldTakeAgain, sel.WouldTakeAgain),
		Difficulty:        get(config.FieldDifficulty, sel.Difficulty),
	}
	if rec.Name == "" {
		return nil, fmt.Errorf("no text under %q: %w", sel.Name, listing.ErrRecordMalformed)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: missing %s: %w", rec.Name, strings.Join(missing, ", "), listing.ErrRecordMalformed)
	}
	return rec, nil
}

// Number reduces labels like "12 ratings" to "12". Text without a number is
// returned as is.
func Number(text string) string {
	m := countPattern.FindString(text)
	if m == "" {
		return text
	}
	return strings.ReplaceAll(m, ",", "")
}

// Expand substitutes {key} placeholders in tmpl.
func Expand(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
