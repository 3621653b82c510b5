package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveBreakerTransitionSetsGauge(t *testing.T) {
	t.Parallel()

	ObserveBreakerTransition("metrics-test", "OPEN")
	require.InDelta(t, 2, testutil.ToFloat64(breakerState.WithLabelValues("metrics-test")), 0.0001)

	ObserveBreakerTransition("metrics-test", "HALF_OPEN")
	require.InDelta(t, 1, testutil.ToFloat64(breakerState.WithLabelValues("metrics-test")), 0.0001)

	ObserveBreakerTransition("metrics-test", "CLOSED")
	require.InDelta(t, 0, testutil.ToFloat64(breakerState.WithLabelValues("metrics-test")), 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(breakerTransitionsTotal.WithLabelValues("metrics-test", "OPEN")), 0.0001)
}

func TestObserveIntegrityFindingsIgnoresZero(t *testing.T) {
	t.Parallel()

	ObserveIntegrityFindings("metrics-test-sev", 0)
	ObserveIntegrityFindings("metrics-test-sev", 3)
	require.InDelta(t, 3, testutil.ToFloat64(integrityFindingsTotal.WithLabelValues("metrics-test-sev")), 0.0001)
}

func TestObserveHistogramsDoNotPanic(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		ObserveRateLimitDelay(20 * time.Millisecond)
		ObserveStatePersist(time.Millisecond)
		ObserveRequest("https://example.com/a", "success")
		ObserveRetry("https://example.com/a")
		ObserveRetryDispatch("LIST_COLLECTION", "success")
		SetRetryQueueReady(4)
		IncActiveRetryWorkers()
		DecActiveRetryWorkers()
	})
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, s string) {
		if SanitizeSite(s) == "" {
			t.Fatalf("SanitizeSite(%q) returned empty", s)
		}
	})
}
