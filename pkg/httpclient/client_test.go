package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func get(t *testing.T, c *Client, ctx context.Context, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := c.Do(ctx, req)
	if resp != nil {
		t.Cleanup(func() { resp.Body.Close() })
	}
	return resp, err
}

func TestClient_RedirectPolicy(t *testing.T) {
	// /search/1 -> /search/1?page=1 -> /search/1?page=1&sort=name
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.RawQuery {
		case "":
			http.Redirect(w, r, "/search/1?page=1", http.StatusFound)
		case "page=1":
			http.Redirect(w, r, "/search/1?page=1&sort=name", http.StatusMovedPermanently)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer ts.Close()

	tests := []struct {
		name       string
		max        int
		wantErr    bool
		wantStatus int
	}{
		{"follows chain", 10, false, http.StatusOK},
		{"limit exceeded", 1, true, 0},
		{"disabled", -1, false, http.StatusFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{MaxRedirects: tt.max})
			if err != nil {
				t.Fatalf("Failed to create client: %v", err)
			}
			resp, err := get(t, c, context.Background(), ts.URL+"/search/1")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected a redirect limit error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestClient_CookieJarCarriesSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			http.SetCookie(w, &http.Cookie{Name: "ccpa-notice-viewed", Value: "true", Path: "/"})
			return
		}
		if c, err := r.Cookie("ccpa-notice-viewed"); err != nil || c.Value != "true" {
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer ts.Close()

	for _, jar := range []bool{true, false} {
		c, err := New(Config{UseCookieJar: jar})
		if err != nil {
			t.Fatalf("Failed to create client: %v", err)
		}
		if _, err := get(t, c, context.Background(), ts.URL+"/search/1"); err != nil {
			t.Fatalf("Failed to load first page: %v", err)
		}
		resp, err := get(t, c, context.Background(), ts.URL+"/search/1?page=2")
		if err != nil {
			t.Fatalf("Failed to load second page: %v", err)
		}
		want := http.StatusOK
		if !jar {
			want = http.StatusUnauthorized
		}
		if resp.StatusCode != want {
			t.Errorf("jar=%v: expected %d, got %d", jar, want, resp.StatusCode)
		}
	}
}

func TestClient_TimeoutAndContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	slow, _ := New(Config{Timeout: 20 * time.Millisecond})
	if _, err := get(t, slow, context.Background(), ts.URL); err == nil {
		t.Error("expected a client timeout")
	}

	c, _ := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := get(t, c, ctx, ts.URL); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if _, err := c.Do(nil, &http.Request{}); !errors.Is(err, ErrNilContext) {
		t.Errorf("expected ErrNilContext, got %v", err)
	}
}

func TestClient_Headers(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer ts.Close()

	c, err := New(Config{
		Headers:   map[string]string{"Referer": "https://www.ratemyprofessors.com/"},
		UserAgent: func() string { return "tally-test/1.0" },
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	checks := map[string]string{
		"User-Agent":      "tally-test/1.0",
		"Accept-Language": DefaultHeaders["Accept-Language"],
		"Accept":          "application/json",
		"Referer":         "https://www.ratemyprofessors.com/",
	}
	for k, want := range checks {
		if got.Get(k) != want {
			t.Errorf("%s: expected %q, got %q", k, want, got.Get(k))
		}
	}
}
