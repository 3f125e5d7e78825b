package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mapharvest/internal/fetcher"
)

func TestPrepareRobotsOverride(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "mapharvest-test", RespectRobots: true, Timeout: time.Second})

	v := &visit{request: fetcher.Request{
		URL:                   "https://example.com",
		RespectRobotsProvided: true,
		RespectRobots:         false,
	}}
	c := f.prepare(v)
	assert.Equal(t, "mapharvest-test", c.UserAgent)
	assert.True(t, c.IgnoreRobotsTxt, "request override disables robots")
	assert.Nil(t, v.robots)

	v = &visit{request: fetcher.Request{URL: "https://example.com"}}
	c = f.prepare(v)
	assert.False(t, c.IgnoreRobotsTxt)
	assert.NotNil(t, v.robots)
}

func TestBindHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{AcceptLanguage: "es-419"})
	v := &visit{
		request: fetcher.Request{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}},
		started: time.Now(),
	}
	hooks := &stubHooks{}
	f.bind(hooks, v)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	assert.Equal(t, "es-419", collyReq.Headers.Get("Accept-Language"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("[]"),
		Headers:    &http.Header{"Content-Type": {"application/json"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/search")},
	})
	assert.Equal(t, "https://example.com/search", v.resp.URL)
	assert.Equal(t, "[]", string(v.resp.Body))
	assert.Equal(t, "application/json", v.resp.Headers.Get("Content-Type"))

	hooks.onError(&colly.Response{StatusCode: http.StatusTooManyRequests}, errors.New("Too Many Requests"))
	require.EqualError(t, v.err, "status 429: Too Many Requests")

	hooks.onError(nil, errors.New("dial failed"))
	require.EqualError(t, v.err, "dial failed")
}

func TestRequestHeaderWinsOverAcceptLanguage(t *testing.T) {
	t.Parallel()

	f := New(Config{AcceptLanguage: "es-419"})
	v := &visit{request: fetcher.Request{Headers: http.Header{"Accept-Language": {"en"}}}}
	hooks := &stubHooks{}
	f.bind(hooks, v)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, []string{"en"}, collyReq.Headers.Values("Accept-Language"))
}

func TestFetchAgainstServerConsultsLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mapharvest-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "es-419", r.Header.Get("Accept-Language"))
		_, _ = w.Write([]byte(`[{"ok":true}]`))
	}))
	defer srv.Close()

	limiter := &countingWaiter{}
	f := New(Config{
		UserAgent:      "mapharvest-test",
		AcceptLanguage: "es-419",
		Timeout:        2 * time.Second,
		Limiter:        limiter,
	})

	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/search?q=x"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `[{"ok":true}]`, string(resp.Body))
	}
	assert.Equal(t, 2, limiter.calls, "repeat visits of one URL are allowed and paced")
}

func TestFetchReportsHTTPStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	_, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestFetchLimiterErrorStopsRequest(t *testing.T) {
	t.Parallel()

	f := New(Config{Limiter: &countingWaiter{err: context.Canceled}})
	_, err := f.Fetch(context.Background(), fetcher.Request{URL: "http://127.0.0.1:1"})
	require.ErrorIs(t, err, context.Canceled)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type countingWaiter struct {
	calls int
	err   error
}

func (c *countingWaiter) Wait(context.Context, string) error {
	c.calls++
	return c.err
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
