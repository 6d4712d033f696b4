// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/metrics"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/policy/ratelimit"
)

// Request headers sent with every fetch.
const (
	AcceptHeader         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	AcceptLanguageHeader = "ja,en;q=0.5"
)

const defaultTimeout = 30 * time.Second

// Config controls collector and retry behavior.
type Config struct {
	UserAgent      string
	RespectRobots  bool
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector. Every call
// holds the shared gate for its whole duration, retries included.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	gate          *ratelimit.Gate
	retry         *crawler.ExponentialRetryPolicy
	pauser        crawler.PauseController
	logger        *zap.Logger
	now           func() time.Time
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithPauseController replaces the timer used between retries.
func WithPauseController(p crawler.PauseController) Option {
	return func(f *Fetcher) {
		if p != nil {
			f.pauser = p
		}
	}
}

// WithTransport replaces the HTTP transport used by the collector.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.baseCollector.WithTransport(rt)
		}
	}
}

// New builds a Fetcher. A nil gate means fetches are not spaced.
func New(cfg Config, gate *ratelimit.Gate, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if gate == nil {
		gate = ratelimit.NewGate(0)
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(newHTTPTransport())

	metrics.Init()
	f := &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		gate:          gate,
		retry:         crawler.NewExponentialRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		pauser:        crawler.TimerPauseController{},
		logger:        logging.OrNop(logger).Named("fetcher"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves url, retrying transient failures. A 429 answer is returned
// as *crawler.RateLimitedError without retrying, and the gate is held back
// for the advertised Retry-After.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	if err := f.gate.Acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	var holdOff time.Duration
	defer func() { f.gate.ReleaseAfter(holdOff) }()

	for retries := 0; ; retries++ {
		attempt := retries + 1
		resp, err := f.attempt(ctx, url, attempt)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}

		var limited *crawler.RateLimitedError
		if errors.As(err, &limited) {
			holdOff = limited.RetryAfter
			return crawler.FetchResponse{}, err
		}
		var fetchErr *crawler.FetchError
		if errors.As(err, &fetchErr) {
			fetchErr.Attempts = attempt
		}
		if !f.retry.ShouldRetry(err, retries) {
			return crawler.FetchResponse{}, err
		}
		if perr := f.pauser.Pause(ctx, f.retry.Backoff(retries)); perr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, perr)
		}
	}
}

// attempt performs one HTTP GET and classifies the outcome.
func (f *Fetcher) attempt(ctx context.Context, url string, attempt int) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, start, &result, &fetchErr)
	runErr := f.runCollector(ctx, collector, url, &fetchErr)

	err := f.classify(ctx, url, result, runErr)
	duration := time.Since(start)
	outcome := outcomeOf(err)
	metrics.ObserveFetchAttempt(outcome, duration, len(result.Body))

	fields := []zap.Field{
		zap.String("url", url),
		zap.Int("attempt", attempt),
		zap.String("outcome", outcome),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", duration),
	}
	if err != nil {
		f.logger.Warn("fetch attempt", append(fields, zap.Error(err))...)
		return crawler.FetchResponse{}, err
	}
	f.logger.Info("fetch attempt", fields...)
	return result, nil
}

func (f *Fetcher) classify(ctx context.Context, url string, result crawler.FetchResponse, runErr error) error {
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("fetch %s: %w", url, ctxErr)
		}
		if errors.Is(runErr, colly.ErrRobotsTxtBlocked) {
			return &crawler.FetchError{URL: url, Err: runErr}
		}
		return &crawler.FetchError{URL: url, StatusCode: result.StatusCode, Transient: true, Err: runErr}
	}

	switch status := result.StatusCode; {
	case status == http.StatusTooManyRequests:
		return &crawler.RateLimitedError{
			URL:        url,
			RetryAfter: crawler.ParseRetryAfter(result.Headers.Get("Retry-After"), f.now()),
		}
	case status >= 500:
		return &crawler.FetchError{URL: url, StatusCode: status, Transient: true, Err: errors.New(http.StatusText(status))}
	case status >= 400:
		return &crawler.FetchError{URL: url, StatusCode: status, Err: errors.New(http.StatusText(status))}
	}

	if ct := result.Headers.Get("Content-Type"); ct != "" && !isMarkup(ct) {
		return &crawler.FetchError{
			URL:        url,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("unexpected content type %q", ct),
		}
	}
	return nil
}

func isMarkup(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}

func outcomeOf(err error) string {
	var limited *crawler.RateLimitedError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &limited):
		return metrics.OutcomeRateLimited
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	case errors.Is(err, crawler.ErrTransientFetch):
		return metrics.OutcomeTransient
	default:
		return metrics.OutcomeFatal
	}
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", AcceptHeader)
		r.Headers.Set("Accept-Language", AcceptLanguageHeader)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// Visit still writes result through the hooks until it returns.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
