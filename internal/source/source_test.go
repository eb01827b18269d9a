package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/FranksOps/tally/internal/config"
	"github.com/FranksOps/tally/internal/source/apisource"
	"github.com/FranksOps/tally/internal/source/browsersource"
	"github.com/FranksOps/tally/internal/source/htmlsource"
)

func TestNew_Transports(t *testing.T) {
	for _, tc := range []struct {
		transport string
		check     func(any) bool
	}{
		{config.TransportHTTP, func(s any) bool { _, ok := s.(*htmlsource.Source); return ok }},
		{config.TransportBrowser, func(s any) bool { _, ok := s.(*browsersource.Source); return ok }},
		{config.TransportAPI, func(s any) bool { _, ok := s.(*apisource.Source); return ok }},
	} {
		cfg := config.Default()
		cfg.Transport = tc.transport
		src, err := New(&cfg, Deps{})
		if err != nil {
			t.Fatalf("%s: Failed to build source: %v", tc.transport, err)
		}
		if !tc.check(src) {
			t.Errorf("%s: unexpected source type %T", tc.transport, src)
		}
		if err := Close(src); err != nil {
			t.Errorf("%s: Failed to close unused source: %v", tc.transport, err)
		}
	}

	cfg := config.Default()
	cfg.Transport = "carrier-pigeon"
	if _, err := New(&cfg, Deps{}); err == nil {
		t.Errorf("expected error for unknown transport")
	}
}

func TestPageSize(t *testing.T) {
	cfg := config.Default()
	cfg.Scrape.PageSize = 8
	if got := PageSize(&cfg); got != 8 {
		t.Errorf("expected configured page size 8, got %d", got)
	}
	cfg.Transport = config.TransportAPI
	if got := PageSize(&cfg); got != apisource.PageSize {
		t.Errorf("expected api page size %d, got %d", apisource.PageSize, got)
	}
}

func TestUserAgents(t *testing.T) {
	pool, err := UserAgents(config.Fetch{UserAgents: []string{"a", "b"}, UAStrategy: "fixed"})
	if err != nil {
		t.Fatalf("Failed to build pool: %v", err)
	}
	if pool.Next() != "a" || pool.Next() != "a" {
		t.Errorf("fixed strategy must keep the first agent")
	}
	if _, err := UserAgents(config.Fetch{UAStrategy: "roulette"}); err == nil {
		t.Errorf("expected error for unknown strategy")
	}
}

func TestNewFetcher_Proxies(t *testing.T) {
	list := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(list, []byte("# pool\n127.0.0.1:8080\n"), 0o644); err != nil {
		t.Fatalf("Failed to write proxy list: %v", err)
	}
	cfg := config.Default().Fetch
	cfg.Proxies = []string{"http://10.0.0.1:3128"}
	cfg.ProxyFile = list
	if _, err := NewFetcher(cfg, nil, nil, nil); err != nil {
		t.Fatalf("Failed to build fetcher: %v", err)
	}

	cfg.ProxyFile = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := NewFetcher(cfg, nil, nil, nil); err == nil {
		t.Errorf("expected error for missing proxy file")
	}
	cfg.ProxyFile = ""
	cfg.Fingerprint = "netscape"
	if _, err := NewFetcher(cfg, nil, nil, nil); err == nil {
		t.Errorf("expected error for unknown fingerprint")
	}
}
