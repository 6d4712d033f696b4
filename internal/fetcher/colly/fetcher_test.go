package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/policy/ratelimit"
)

const testUA = "Mozilla/5.0 (compatible; EkidataBot/1.0; +https://github.com/ekidata)"

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(ctx context.Context, delay time.Duration) error {
	p.mu.Lock()
	p.delays = append(p.delays, delay)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *recordingPauser) recorded() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.delays...)
}

func newTestFetcher(gate *ratelimit.Gate, pauser *recordingPauser) *Fetcher {
	return New(Config{
		UserAgent:      testUA,
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		BackoffInitial: time.Second,
		BackoffMax:     8 * time.Second,
	}, gate, nil, WithPauseController(pauser))
}

func TestFetchSuccessSendsHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(ratelimit.NewGate(0), &recordingPauser{})
	resp, err := f.Fetch(context.Background(), srv.URL+"/tokyo.html")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, resp.Attempts)
	require.Contains(t, string(resp.Body), "ok")
	require.Equal(t, srv.URL+"/tokyo.html", resp.URL)

	got := <-headers
	require.Equal(t, testUA, got.Get("User-Agent"))
	require.Equal(t, AcceptHeader, got.Get("Accept"))
	require.Equal(t, AcceptLanguageHeader, got.Get("Accept-Language"))
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	pauser := &recordingPauser{}
	f := newTestFetcher(ratelimit.NewGate(0), pauser)
	resp, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, 3, resp.Attempts)
	require.Equal(t, int32(3), hits.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, pauser.recorded())
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pauser := &recordingPauser{}
	f := newTestFetcher(ratelimit.NewGate(0), pauser)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrTransientFetch)

	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, 4, fetchErr.Attempts)
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	require.Equal(t, int32(4), hits.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, pauser.recorded())
}

func TestFetchClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	pauser := &recordingPauser{}
	f := newTestFetcher(ratelimit.NewGate(0), pauser)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrFatalFetch)
	require.Equal(t, int32(1), hits.Load())
	require.Empty(t, pauser.recorded())
}

func TestFetchRejectsNonHTML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newTestFetcher(ratelimit.NewGate(0), &recordingPauser{})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrFatalFetch)
	require.Contains(t, err.Error(), "status 200")
}

func TestFetchRateLimitedIsNotRetried(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		arrivals []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		n := len(arrivals)
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	pauser := &recordingPauser{}
	f := newTestFetcher(ratelimit.NewGate(0), pauser)
	_, err := f.Fetch(context.Background(), srv.URL)

	var limited *crawler.RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Equal(t, time.Second, limited.RetryAfter)
	require.Empty(t, pauser.recorded())

	_, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, 2)
	require.GreaterOrEqual(t, arrivals[1].Sub(arrivals[0]), 900*time.Millisecond,
		"the gate must honor Retry-After before the next fetch")
}

func TestFetchTransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	pauser := &recordingPauser{}
	f := New(Config{Timeout: time.Second, MaxRetries: 1, BackoffInitial: time.Second}, ratelimit.NewGate(0), nil,
		WithPauseController(pauser))
	_, err := f.Fetch(context.Background(), target)
	require.ErrorIs(t, err, crawler.ErrTransientFetch)

	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, 2, fetchErr.Attempts)
	require.Equal(t, []time.Duration{time.Second}, pauser.recorded())
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(ratelimit.NewGate(0), &recordingPauser{})
	_, err := f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(0), hits.Load())
}

// stallingTransport holds every request until release is closed, whatever
// the request context says.
type stallingTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stallingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	close(s.entered)
	<-s.release
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader("<html></html>")),
		Request:    req,
	}, nil
}

func TestRunCollectorWaitsForVisitAfterCancel(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: 5 * time.Second}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(ctx, time.Now(), &result, &fetchErr)
	transport := &stallingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	collector.WithTransport(transport)

	returned := make(chan error, 1)
	go func() { returned <- f.runCollector(ctx, collector, "http://stamp.test/tokyo.html", &fetchErr) }()

	<-transport.entered
	cancel()
	select {
	case err := <-returned:
		t.Fatalf("runCollector returned while the visit was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(transport.release)
	select {
	case err := <-returned:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runCollector did not return after the visit finished")
	}
}

func TestFetchSpacesConsecutiveCalls(t *testing.T) {
	t.Parallel()

	const delay = 150 * time.Millisecond
	var (
		mu       sync.Mutex
		arrivals []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(ratelimit.NewGate(delay), &recordingPauser{})
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, 3)
	for i := 1; i < len(arrivals); i++ {
		require.GreaterOrEqual(t, arrivals[i].Sub(arrivals[i-1]), delay-10*time.Millisecond)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	start := time.Unix(0, 0)
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, start, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("Accept-Language") != AcceptLanguageHeader {
		t.Fatalf("expected accept-language header, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://stamp.funakiya.com"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
	if result.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status from error response, got %d", result.StatusCode)
	}
}

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "agent", RespectRobots: true, Timeout: time.Second}, nil, nil)
	ctx := context.Background()
	collector := f.buildCollector(ctx, time.Now(), &crawler.FetchResponse{}, new(error))
	if collector.UserAgent != "agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.IgnoreRobotsTxt {
		t.Fatal("expected robots.txt to be respected")
	}
	if !collector.AllowURLRevisit || !collector.ParseHTTPErrorResponse {
		t.Fatal("expected revisits and error responses to be allowed")
	}
	if collector.Context != ctx {
		t.Fatal("expected request context to be attached")
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
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
