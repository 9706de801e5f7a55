package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

const target = "https://www.tagvenue.com/uk/search/event-venue?page=3"

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "render.api_key", cfgErr.Field)
}

func TestServiceURLCarriesRenderParameters(t *testing.T) {
	t.Parallel()

	r, err := New(Config{ServiceURL: "https://render.example/", APIKey: "k3y"}, nil)
	require.NoError(t, err)

	raw, err := r.serviceURL(crawler.RenderRequest{URL: target, WaitSelector: "a[href*='/rooms/']"})
	require.NoError(t, err)
	u, err := http.NewRequest(http.MethodGet, raw, nil)
	require.NoError(t, err)
	q := u.URL.Query()
	require.Equal(t, "k3y", q.Get("api_key"))
	require.Equal(t, "true", q.Get("render"))
	require.Equal(t, "gb", q.Get("country_code"))
	require.Equal(t, "true", q.Get("keep_headers"))
	require.Equal(t, "a[href*='/rooms/']", q.Get("wait_for_selector"))
	require.Equal(t, target, q.Get("url"))
}

func TestRenderReturnsServiceBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("url") != target {
			http.Error(w, "bad target", http.StatusBadRequest)
			return
		}
		w.Header().Set(finalURLHeader, "https://www.tagvenue.com/uk/search/event-venue?page=3&sort=1")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/rooms/london/a">A</a></body></html>`))
	}))
	t.Cleanup(srv.Close)

	r, err := New(Config{ServiceURL: srv.URL, APIKey: "k"}, nil)
	require.NoError(t, err)

	for range 2 {
		page, err := r.Render(context.Background(), crawler.RenderRequest{URL: target})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, page.StatusCode)
		require.Equal(t, target, page.URL)
		require.Equal(t, "https://www.tagvenue.com/uk/search/event-venue?page=3&sort=1", page.FinalURL)
		require.Contains(t, page.HTML, "/rooms/london/a")
	}
}

func TestRenderReportsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream blocked", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	r, err := New(Config{ServiceURL: srv.URL, APIKey: "k"}, nil)
	require.NoError(t, err)

	page, err := r.Render(context.Background(), crawler.RenderRequest{URL: target})
	require.ErrorIs(t, err, crawler.ErrRenderFailure)
	var renderErr *crawler.RenderError
	require.True(t, errors.As(err, &renderErr))
	require.Equal(t, http.StatusForbidden, renderErr.Status)
	require.Equal(t, http.StatusForbidden, page.StatusCode)
}

func TestRenderHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	r, err := New(Config{ServiceURL: srv.URL, APIKey: "k"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Render(ctx, crawler.RenderRequest{URL: target})
	require.ErrorIs(t, err, crawler.ErrRenderFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	r, err := New(Config{APIKey: "k"}, nil)
	require.NoError(t, err)

	var page crawler.Page
	var fetchErr error
	hooks := &stubHooks{}
	r.configureCollectorHooks(hooks, crawler.RenderRequest{URL: target}, time.Now(), &page, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Contains(t, collyReq.Headers.Get("Accept"), "text/html")

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<html></html>"),
		Headers:    &http.Header{},
	})
	require.Equal(t, target, page.FinalURL)
	require.Equal(t, "<html></html>", page.HTML)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
	require.Equal(t, http.StatusBadGateway, page.StatusCode)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
