package collytransport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

func TestPerformReturnsResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo-Agent", r.Header.Get("User-Agent"))
		w.Header().Set("X-Echo-Trace", r.Header.Get("X-Trace"))
		_, _ = w.Write([]byte(`{"page":1}`))
	}))
	t.Cleanup(srv.Close)

	tr := New(Config{Timeout: time.Second}, nil)
	headers := http.Header{"User-Agent": {"unit-agent"}, "X-Trace": {"yes"}}
	for i := 0; i < 2; i++ {
		resp, err := tr.Perform(context.Background(), collector.Request{Method: http.MethodGet, URL: srv.URL + "/list", Headers: headers})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.JSONEq(t, `{"page":1}`, string(resp.Body))
		require.Equal(t, "unit-agent", resp.Headers.Get("X-Echo-Agent"))
		require.Equal(t, "yes", resp.Headers.Get("X-Echo-Trace"))
	}
}

func TestPerformPostsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo-Method", r.Method)
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	tr := New(Config{}, nil)
	resp, err := tr.Perform(context.Background(), collector.Request{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    []byte(`{"cursor":"abc"}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"cursor":"abc"}`, string(resp.Body))
	require.Equal(t, http.MethodPost, resp.Headers.Get("X-Echo-Method"))
}

func TestPerformClassifiesStatusErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	t.Cleanup(srv.Close)

	tr := New(Config{}, nil)
	_, err := tr.Perform(context.Background(), collector.Request{Method: http.MethodGet, URL: srv.URL})
	var statusErr *collector.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.Equal(t, "slow down", string(statusErr.Body))
}

func TestPerformReturnsNonErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accepted":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"queued":true}`))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		case "/unchanged":
			w.WriteHeader(http.StatusNotModified)
		}
	}))
	t.Cleanup(srv.Close)

	tr := New(Config{Timeout: time.Second}, nil)
	cases := map[string]int{
		"/accepted":  http.StatusAccepted,
		"/empty":     http.StatusNoContent,
		"/unchanged": http.StatusNotModified,
	}
	for path, want := range cases {
		resp, err := tr.Perform(context.Background(), collector.Request{Method: http.MethodGet, URL: srv.URL + path})
		require.NoError(t, err, path)
		require.Equal(t, want, resp.StatusCode, path)
	}
}

func TestPerformClassifiesNetworkErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	tr := New(Config{Timeout: time.Second}, nil)
	_, err := tr.Perform(context.Background(), collector.Request{Method: http.MethodGet, URL: addr})
	var netErr *collector.NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestPerformHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	tr := New(Config{Timeout: 5 * time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Perform(ctx, collector.Request{Method: http.MethodGet, URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBaseCollectorCachedPerProxy(t *testing.T) {
	t.Parallel()

	tr := New(Config{}, nil)
	direct, err := tr.baseFor("")
	require.NoError(t, err)
	again, err := tr.baseFor("")
	require.NoError(t, err)
	require.Same(t, direct, again)

	viaProxy, err := tr.baseFor("http://127.0.0.1:3128")
	require.NoError(t, err)
	require.NotSame(t, direct, viaProxy)

	_, err = tr.baseFor("://bad")
	require.Error(t, err)
}

func TestConfigureHooks(t *testing.T) {
	t.Parallel()

	tr := New(Config{}, nil)
	hooks := &stubHooks{}
	var (
		result   *collector.Response
		fetchErr error
	)
	req := collector.Request{Method: http.MethodGet, URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}}
	tr.configureHooks(hooks, req, time.Now(), &result, &fetchErr)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onError(nil, errors.New("dial failed"))
	var netErr *collector.NetworkError
	require.ErrorAs(t, fetchErr, &netErr)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	var statusErr *collector.HTTPStatusError
	require.ErrorAs(t, fetchErr, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	fetchErr = nil
	hooks.onResponse(&colly.Response{StatusCode: http.StatusNoContent, Headers: &http.Header{}})
	require.NoError(t, fetchErr)
	require.Equal(t, http.StatusNoContent, result.StatusCode)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusNotFound, Body: []byte("gone")})
	require.ErrorAs(t, fetchErr, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Equal(t, "gone", string(statusErr.Body))
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
