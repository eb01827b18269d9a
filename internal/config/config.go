// Package config loads tally's configuration from defaults, an optional
// config file, a .env file, TALLY_* environment variables and CLI flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable tally reads.
const EnvPrefix = "TALLY"

// Transport names.
const (
	TransportHTTP    = "http"
	TransportBrowser = "browser"
	TransportAPI     = "api"
)

// Config is the full runtime configuration.
type Config struct {
	Transport   string `mapstructure:"transport" validate:"oneof=http browser api"`
	URLTemplate string `mapstructure:"url_template" validate:"required,idtemplate"`
	APITemplate string `mapstructure:"api_template" validate:"omitempty,idtemplate"`
	// Out is an output target: a .json or .csv path, sqlite://path or a
	// postgres:// DSN. {id} and {school} are substituted per listing.
	Out         string `mapstructure:"out" validate:"required"`
	MetricsPort int    `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`

	Scrape    Scrape    `mapstructure:"scrape"`
	Fetch     Fetch     `mapstructure:"fetch"`
	Browser   Browser   `mapstructure:"browser"`
	Selectors Selectors `mapstructure:"selectors"`
	Batch     Batch     `mapstructure:"batch"`
	Log       Log       `mapstructure:"log"`
}

// Scrape tunes the incremental listing loop.
type Scrape struct {
	ReloadTimeout     time.Duration `mapstructure:"reload_timeout" validate:"gt=0"`
	ReloadInterval    time.Duration `mapstructure:"reload_interval" validate:"gte=0"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PageSize          int           `mapstructure:"page_size" validate:"gt=0"`
	LoadMoreRetries   int           `mapstructure:"load_more_retries" validate:"gte=0"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	ExpectNonEmpty    bool          `mapstructure:"expect_non_empty"`
	MaxPlausibleCount int           `mapstructure:"max_plausible_count" validate:"gt=0"`
	ExpectedIdentity  string        `mapstructure:"expected_identity"`
}

// Fetch configures the HTTP plumbing shared by the http transport.
type Fetch struct {
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRedirects       int           `mapstructure:"max_redirects"`
	Fingerprint        string        `mapstructure:"fingerprint" validate:"omitempty,oneof=chrome firefox safari go random"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	RPS                float64       `mapstructure:"rps" validate:"gte=0"`
	Jitter             float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
	Proxies            []string      `mapstructure:"proxies"`
	ProxyFile          string        `mapstructure:"proxy_file" validate:"omitempty,file"`
	UserAgents         []string      `mapstructure:"user_agents"`
	UAStrategy         string        `mapstructure:"ua_strategy" validate:"omitempty,oneof=sequential random fixed"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	UseCookieJar       bool          `mapstructure:"use_cookie_jar"`
}

// Browser configures the browser transport.
type Browser struct {
	Headless bool `mapstructure:"headless"`
	Stealth  bool `mapstructure:"stealth"`
	// Bin is an explicit browser binary; empty lets the launcher find or download one.
	Bin string `mapstructure:"bin"`
	// ControlURL attaches to an already running browser instead of launching.
	ControlURL       string `mapstructure:"control_url" validate:"omitempty,url"`
	IgnoreCertErrors bool   `mapstructure:"ignore_cert_errors"`
	NoSandbox        bool   `mapstructure:"no_sandbox"`
}

// Selectors are CSS selectors locating listing parts. Field selectors are
// evaluated relative to a card.
type Selectors struct {
	Count     string `mapstructure:"count" validate:"required"`
	Empty     string `mapstructure:"empty"`
	EmptyText string `mapstructure:"empty_text"`
	Identity  string `mapstructure:"identity"`
	Card      string `mapstructure:"card" validate:"required"`
	LoadMore  string `mapstructure:"load_more" validate:"required"`

	Name           string `mapstructure:"name" validate:"required"`
	Category       string `mapstructure:"category"`
	School         string `mapstructure:"school"`
	Rating         string `mapstructure:"rating"`
	NumRatings     string `mapstructure:"num_ratings"`
	WouldTakeAgain string `mapstructure:"would_take_again"`
	Difficulty     string `mapstructure:"difficulty"`

	// Optional lists fields whose selector may match nothing on a card.
	// Any other configured field that is absent makes the card malformed.
	Optional []string `mapstructure:"optional" validate:"dive,oneof=category school rating num_ratings would_take_again difficulty"`
}

// Record field names, as used in Selectors.Optional.
const (
	FieldName           = "name"
	FieldCategory       = "category"
	FieldSchool         = "school"
	FieldRating         = "rating"
	FieldNumRatings     = "num_ratings"
	FieldWouldTakeAgain = "would_take_again"
	FieldDifficulty     = "difficulty"
)

// Batch configures multi-listing runs.
type Batch struct {
	Concurrency int `mapstructure:"concurrency" validate:"gte=1"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration. Timeouts match the original
// scraper's 100s page reload and 10s show-more budgets.
func Default() Config {
	return Config{
		Transport:   TransportBrowser,
		URLTemplate: "https://www.ratemyprofessors.com/search/professors/{id}?q=*",
		APITemplate: "https://www.ratemyprofessors.com/filter/professor/?page={page}&filter=teacherlastname_sort_s+asc&query=*%3A*&queryoption=TEACHER&queryBy=schoolId&sid={id}",
		Out:         "all_professors.json",
		Scrape: Scrape{
			ReloadTimeout:     100 * time.Second,
			ReloadInterval:    2 * time.Second,
			WaitTimeout:       10 * time.Second,
			PollInterval:      250 * time.Millisecond,
			PageSize:          8,
			LoadMoreRetries:   3,
			RetryBackoff:      time.Second,
			ExpectNonEmpty:    true,
			MaxPlausibleCount: 1_000_000,
		},
		Fetch: Fetch{
			Timeout:      30 * time.Second,
			MaxRedirects: 10,
			Fingerprint:  "chrome",
			RPS:          1,
			Jitter:       0.2,
			UAStrategy:   "sequential",
			UseCookieJar: true,
		},
		Browser: Browser{
			Headless:         true,
			Stealth:          true,
			IgnoreCertErrors: true,
		},
		Selectors: DefaultSelectors(),
		Batch:     Batch{Concurrency: 2},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// DefaultSelectors match the professor search page's markup at the time of writing.
func DefaultSelectors() Selectors {
	return Selectors{
		Count:     `h1[data-testid="pagination-header-main-results"]`,
		Empty:     `[data-testid="pagination-header-main-results"]`,
		EmptyText: `No professors with "" in their name`,
		Identity:  `h1[data-testid="pagination-header-main-results"] span b`,
		Card:      `a[class*="TeacherCard__StyledTeacherCard"]`,
		LoadMore:  `button[class*="PaginationButton__StyledPaginationButton"]`,

		Name:           `[class*="CardName__StyledCardName"]`,
		Category:       `[class*="CardSchool__Department"]`,
		School:         `[class*="CardSchool__School"]`,
		Rating:         `[class*="CardNumRating__CardNumRatingNumber"]`,
		NumRatings:     `[class*="CardNumRating__CardNumRatingCount"]`,
		WouldTakeAgain: `[class*="CardFeedback__CardFeedbackItem"]:first-child [class*="CardFeedback__CardFeedbackNumber"]`,
		Difficulty:     `[class*="CardFeedback__CardFeedbackItem"]:last-child [class*="CardFeedback__CardFeedbackNumber"]`,
	}
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"transport":      "transport",
	"out":            "out",
	"metrics-port":   "metrics_port",
	"reload-timeout": "scrape.reload_timeout",
	"wait-timeout":   "scrape.wait_timeout",
	"page-size":      "scrape.page_size",
	"concurrency":    "batch.concurrency",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"headless":       "browser.headless",
	"rps":            "fetch.rps",
}

// Load builds a Config. path may be empty; flags may be nil. Only flags the
// user actually set override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsOrDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every leaf of def under its mapstructure key so
// AutomaticEnv can see keys that no file mentions.
func setDefaults(v *viper.Viper, def Config) {
	var walk func(prefix string, rv reflect.Value)
	walk = func(prefix string, rv reflect.Value) {
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			key := field.Tag.Get("mapstructure")
			if key == "" {
				continue
			}
			if prefix != "" {
				key = prefix + "." + key
			}
			fv := rv.Field(i)
			if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Duration(0)) {
				walk(key, fv)
				continue
			}
			v.SetDefault(key, fv.Interface())
		}
	}
	walk("", reflect.ValueOf(def))
}

// secondsOrDurationHook accepts "100" as 100s as well as Go duration strings.
func secondsOrDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch d := data.(type) {
		case string:
			s := strings.TrimSpace(d)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			dur, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", d)
			}
			return dur, nil
		case int:
			return time.Duration(d) * time.Second, nil
		case int64:
			return time.Duration(d) * time.Second, nil
		case float64:
			return time.Duration(d * float64(time.Second)), nil
		}
		return data, nil
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("mapstructure"); name != "" {
			return name
		}
		return f.Name
	})
	_ = v.RegisterValidation("idtemplate", func(fl validator.FieldLevel) bool {
		return strings.Contains(fl.Field().String(), "{id}")
	})
	return v
}

// Validate checks field constraints and reports every violation by key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: validate: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Config.scrape.reload_timeout"; drop the root.
		key := fe.Namespace()
		if i := strings.IndexByte(key, '.'); i >= 0 {
			key = key[i+1:]
		}
		msg := fmt.Sprintf("%s: failed %q", key, fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s: failed %q (%s)", key, fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
