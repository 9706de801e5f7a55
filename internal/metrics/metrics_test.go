package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "www.tagvenue.com/uk/search", "www.tagvenue.com"},
		{"just host", "hirespace.com", "hirespace.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
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

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := crawlerPagesTotal
	Init()
	require.Same(t, first, crawlerPagesTotal)
	require.NotNil(t, crawlerGovernorInFlight)
	require.NotNil(t, httpRequestDurationSeconds)
}

func TestObserveHelpers(t *testing.T) {
	ObservePage("MetricsTest", "ok")
	ObservePage("MetricsTest", "ok")
	require.InDelta(t, 2, testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("MetricsTest", "ok")), 0)

	ObserveItems("MetricsTest", "new", 7)
	ObserveItems("MetricsTest", "new", 0)
	require.InDelta(t, 7, testutil.ToFloat64(crawlerItemsTotal.WithLabelValues("MetricsTest", "new")), 0)

	IncGovernorInFlight("metrics-test")
	IncGovernorInFlight("metrics-test")
	DecGovernorInFlight("metrics-test")
	require.InDelta(t, 1, testutil.ToFloat64(crawlerGovernorInFlight.WithLabelValues("metrics-test")), 0)

	ObserveDeliveryAttempt("MetricsTest", "error")
	require.InDelta(t, 1, testutil.ToFloat64(crawlerDeliveryAttemptsTotal.WithLabelValues("MetricsTest", "error")), 0)

	ObserveRender("https://metrics-test.example/p", "ok", 2*time.Second)
	require.Positive(t, testutil.CollectAndCount(crawlerRenderDurationSeconds))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://hirespace.com", "ftp://example.com"}
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
