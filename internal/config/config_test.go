package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/pflag"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if cfg.Scrape.ReloadTimeout != 100*time.Second {
		t.Errorf("expected 100s reload timeout, got %v", cfg.Scrape.ReloadTimeout)
	}
	if !cfg.Scrape.ExpectNonEmpty {
		t.Errorf("expected ExpectNonEmpty by default")
	}
}

func TestLoad_DefaultsOnly(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if diff := cmp.Diff(Default(), *cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileEnvFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "tally.yaml")
	yaml := `
transport: http
out: out/{id}.csv
scrape:
  reload_timeout: 30
  wait_timeout: 1500ms
  page_size: 20
fetch:
  proxies: ["http://p1:8080", "http://p2:8080"]
selectors:
  card: li.prof
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("TALLY_SCRAPE_PAGE_SIZE", "25")
	t.Setenv("TALLY_LOG_FORMAT", "json")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("out", "", "")
	flags.String("wait-timeout", "", "")
	flags.String("reload-timeout", "", "")
	if err := flags.Parse([]string{"--wait-timeout", "4"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	if cfg.Transport != TransportHTTP {
		t.Errorf("expected transport from file, got %s", cfg.Transport)
	}
	if cfg.Out != "out/{id}.csv" {
		t.Errorf("unset flag must not override file, got %s", cfg.Out)
	}
	if cfg.Scrape.ReloadTimeout != 30*time.Second {
		t.Errorf("expected bare seconds from file, got %v", cfg.Scrape.ReloadTimeout)
	}
	if cfg.Scrape.WaitTimeout != 4*time.Second {
		t.Errorf("expected flag to win for wait timeout, got %v", cfg.Scrape.WaitTimeout)
	}
	if cfg.Scrape.PageSize != 25 {
		t.Errorf("expected env to win over file, got %d", cfg.Scrape.PageSize)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json log format from env, got %s", cfg.Log.Format)
	}
	if len(cfg.Fetch.Proxies) != 2 {
		t.Errorf("expected 2 proxies, got %v", cfg.Fetch.Proxies)
	}
	if cfg.Selectors.Card != "li.prof" {
		t.Errorf("expected card selector override, got %s", cfg.Selectors.Card)
	}
	if cfg.Selectors.Name != DefaultSelectors().Name {
		t.Errorf("expected untouched selectors to keep defaults, got %s", cfg.Selectors.Name)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// registers cleanup; godotenv only fills variables that are unset
	t.Setenv("TALLY_TRANSPORT", "")
	os.Unsetenv("TALLY_TRANSPORT")

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TALLY_TRANSPORT=api\n"), 0o644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if cfg.Transport != TransportAPI {
		t.Errorf("expected transport from .env, got %s", cfg.Transport)
	}
}

func TestValidate_ReportsFields(t *testing.T) {
	cfg := Default()
	cfg.Transport = "carrier-pigeon"
	cfg.URLTemplate = "https://example.com/search"
	cfg.Scrape.PageSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"transport", "url_template", "scrape.page_size"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load("does-not-exist.yaml", nil); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate_OptionalFields(t *testing.T) {
	cfg := Default()
	cfg.Selectors.Optional = []string{FieldWouldTakeAgain, FieldDifficulty}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected known optional fields to validate, got %v", err)
	}

	cfg.Selectors.Optional = []string{FieldName}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "selectors.optional") {
		t.Errorf("expected the name to be rejected as optional, got %v", err)
	}
}
