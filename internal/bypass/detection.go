package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Signal is the part of a response the detectors look at. StatusCode is 0
// for content rendered in a browser, where only the markup is known.
type Signal struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// Detector reports whether a bot protection mechanism blocked or challenged
// the request, and which one.
type Detector func(s *Signal) (detected bool, source string)

// DefaultDetectors returns the standard list of bot protection detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
		detectRateLimit,
	}
}

// Analyze runs s through detectors and returns the first hit.
func Analyze(s *Signal, detectors []Detector) (bool, string) {
	if s == nil {
		return false, ""
	}
	for _, d := range detectors {
		if detected, source := d(s); detected {
			return true, source
		}
	}
	return false, ""
}

// Challenged is Analyze with DefaultDetectors.
func Challenged(status int, headers map[string][]string, body []byte) (bool, string) {
	return Analyze(&Signal{StatusCode: status, Headers: headers, Body: body}, DefaultDetectors())
}

func getHeader(headers map[string][]string, key string) string {
	if vals, ok := headers[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	lowerKey := strings.ToLower(key)
	for k, vals := range headers {
		if strings.ToLower(k) == lowerKey && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// blockedStatus is true for statuses a challenge page is served with, and
// for browser-rendered content where no status is known.
func blockedStatus(code int, allowed ...int) bool {
	if code == 0 {
		return true
	}
	for _, c := range allowed {
		if code == c {
			return true
		}
	}
	return false
}

func detectCloudflare(s *Signal) (bool, string) {
	if !blockedStatus(s.StatusCode, http.StatusForbidden, http.StatusServiceUnavailable) {
		return false, ""
	}
	if s.StatusCode != 0 {
		server := strings.ToLower(getHeader(s.Headers, "Server"))
		if strings.Contains(server, "cloudflare") {
			return true, "Cloudflare"
		}
	}
	if bytes.Contains(s.Body, []byte("cf-browser-verification")) ||
		bytes.Contains(s.Body, []byte("cf-turnstile")) ||
		bytes.Contains(s.Body, []byte("challenge-platform")) ||
		bytes.Contains(s.Body, []byte("Attention Required! | Cloudflare")) {
		return true, "Cloudflare"
	}
	return false, ""
}

func detectAkamai(s *Signal) (bool, string) {
	if !blockedStatus(s.StatusCode, http.StatusForbidden) {
		return false, ""
	}
	if strings.Contains(strings.ToLower(getHeader(s.Headers, "Server")), "akamai") {
		return true, "Akamai"
	}
	// generic "Reference #" block page
	if bytes.Contains(s.Body, []byte("Reference #")) && bytes.Contains(s.Body, []byte("Access Denied")) {
		return true, "Akamai"
	}
	return false, ""
}

func detectDataDome(s *Signal) (bool, string) {
	if !blockedStatus(s.StatusCode, http.StatusForbidden) {
		return false, ""
	}
	if strings.Contains(strings.ToLower(getHeader(s.Headers, "Server")), "datadome") {
		return true, "DataDome"
	}
	if getHeader(s.Headers, "X-DataDome") != "" || getHeader(s.Headers, "X-DataDome-Response") != "" {
		return true, "DataDome"
	}
	if bytes.Contains(s.Body, []byte("geo.captcha-delivery.com")) {
		return true, "DataDome"
	}
	return false, ""
}

func detectPerimeterX(s *Signal) (bool, string) {
	if !blockedStatus(s.StatusCode, http.StatusForbidden) {
		return false, ""
	}
	if getHeader(s.Headers, "X-Px-Captcha") != "" {
		return true, "PerimeterX"
	}
	if bytes.Contains(s.Body, []byte("client.perimeterx.net")) ||
		bytes.Contains(s.Body, []byte("px-captcha")) ||
		bytes.Contains(s.Body, []byte("_pxBlock")) {
		return true, "PerimeterX"
	}
	return false, ""
}

// detectRateLimit flags plain 429s so callers back off like any other challenge.
func detectRateLimit(s *Signal) (bool, string) {
	if s.StatusCode == http.StatusTooManyRequests {
		return true, "RateLimit"
	}
	return false, ""
}
