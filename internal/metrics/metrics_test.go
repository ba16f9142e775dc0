package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://P16-Dreamina.example.com/tplv-x.jpg", "p16-dreamina.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"inline data", "data:image/jpeg;base64,AAAA", "inline"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if providerCallsTotal == nil || downloadsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveProviderCall("open", "ok", 20*time.Millisecond)
	if val := testutil.ToFloat64(providerCallsTotal.WithLabelValues("open", "ok")); val < 1 {
		t.Errorf("expected provider call counter to be >= 1, got %f", val)
	}

	ObserveDownload("https://cdn.test/tplv-a.jpg", "200", 512)
	if val := testutil.ToFloat64(downloadBytesTotal.WithLabelValues("cdn.test")); val < 512 {
		t.Errorf("expected download bytes >= 512, got %f", val)
	}

	ObserveArtifactStored("ok")
	ObserveRateLimitDelay("provider", 5*time.Millisecond)
	if val := testutil.CollectAndCount(rateLimitDelaysSeconds); val <= 0 {
		t.Errorf("expected rate limit delays to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "data:image/png;base64,"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
