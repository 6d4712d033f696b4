package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/archive"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	pubmemory "github.com/JakeFAU/ekidata-stamp-crawler/internal/publisher/memory"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/storage/memory"
)

const (
	indexURL = "https://stamp.funakiya.com/jr-east/"
	tokyoURL = "https://stamp.funakiya.com/jr-east/tokyo.html"
	kandaURL = "https://stamp.funakiya.com/jr-east/kanda.html"
)

const testIndex = `<ul class="allArticleList">
<li><a href="https://stamp.funakiya.com/jr-east/tokyo.html">東京</a></li>
<li><a href="https://stamp.funakiya.com/jr-east/kanda.html">神田</a></li>
</ul>`

const testDetail = `<div class="articleHeader"><p class="date">JR東日本のスタンプ</p><h2>東京駅のスタンプ</h2></div>
<div class="articleBody">
<p>Geo URI：35.681236, 139.767125</p>
<details><summary>設置中</summary>
<h5>丸の内駅舎</h5><p>サイズ：直径6cm</p>
<h5>八重洲口</h5><p>色：紺</p>
</details>
</div>`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type fakePage struct {
	body string
	err  error
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]fakePage
	calls   []string
	onFetch func(url string)
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	page, ok := f.pages[url]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: url, StatusCode: 404, Attempts: 1}
	}
	if page.err != nil {
		return crawler.FetchResponse{}, page.err
	}
	return crawler.FetchResponse{URL: url, StatusCode: 200, Body: []byte(page.body), Attempts: 1}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	jobs    *memory.CrawlJobStore
	clock   *fakeClock
	fetcher *fakeFetcher
	blobs   *memory.BlobStore
	pub     *pubmemory.Publisher
}

func newFixture() *fixture {
	clock := &fakeClock{now: time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC)}
	return &fixture{
		jobs:  memory.NewCrawlJobStore(&seqIDs{}, clock, 30*time.Minute),
		clock: clock,
		fetcher: &fakeFetcher{pages: map[string]fakePage{
			indexURL: {body: testIndex},
			tokyoURL: {body: testDetail},
			kandaURL: {err: &crawler.FetchError{URL: kandaURL, StatusCode: 503, Transient: true, Attempts: 4}},
		}},
		blobs: memory.NewBlobStore(),
		pub:   pubmemory.New(),
	}
}

func (f *fixture) runner(t *testing.T, logger *zap.Logger, opts ...Option) *Runner {
	t.Helper()
	arch, err := archive.New(f.blobs, f.clock, archive.Config{})
	require.NoError(t, err)
	opts = append([]Option{WithArchiver(arch), WithPublisher(f.pub)}, opts...)
	return New(f.jobs, f.fetcher, f.clock, Config{BatchSize: 10, IndexURLs: []string{indexURL}, Topic: "stamp-pages"}, logger, opts...)
}

func jobByURL(t *testing.T, store *memory.CrawlJobStore, url string) crawler.CrawlJob {
	t.Helper()
	for i := 1; i <= 10; i++ {
		job, err := store.Get(context.Background(), fmt.Sprintf("job-%d", i))
		if err == nil && job.URL == url {
			return job
		}
	}
	t.Fatalf("no job for %s", url)
	return crawler.CrawlJob{}
}

func TestDiscoverURLsIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	r := f.runner(t, nil)
	ctx := context.Background()

	urls, err := r.DiscoverURLs(ctx, indexURL)
	require.NoError(t, err)
	require.Equal(t, []string{tokyoURL, kandaURL}, urls)

	_, err = r.DiscoverURLs(ctx, indexURL)
	require.NoError(t, err)
	stats, err := f.jobs.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 2, stats.ByStatus[crawler.JobStatusPending])

	_, err = r.DiscoverURLs(ctx, "https://stamp.funakiya.com/missing/")
	require.ErrorIs(t, err, crawler.ErrFatalFetch)
}

func TestRunUntilEmptyEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture()
	r := f.runner(t, nil)
	ctx := context.Background()

	_, err := r.DiscoverURLs(ctx, indexURL)
	require.NoError(t, err)

	completed, err := r.RunUntilEmpty(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, completed)

	tokyo := jobByURL(t, f.jobs, tokyoURL)
	require.Equal(t, crawler.JobStatusCompleted, tokyo.Status)
	require.Equal(t, 1, tokyo.AttemptCount)
	var page crawler.ScrapedPage
	require.NoError(t, json.Unmarshal(tokyo.Payload, &page))
	require.Equal(t, "東京駅", page.Location.Name)
	require.Equal(t, tokyoURL, page.Location.PageURL)
	require.Len(t, page.Stamps, 2)

	kanda := jobByURL(t, f.jobs, kandaURL)
	require.Equal(t, crawler.JobStatusFailed, kanda.Status)
	require.Equal(t, 1, kanda.AttemptCount)
	require.NotNil(t, kanda.LastError)
	require.Contains(t, *kanda.LastError, "status 503")

	require.Len(t, f.blobs.Paths(), 1)
	obj, ok := f.blobs.Get(f.blobs.Paths()[0])
	require.True(t, ok)
	require.Equal(t, testDetail, string(obj.Data))

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "stamp-pages", msgs[0].Topic)
	event, ok := msgs[0].Payload.(crawler.PageScrapedEvent)
	require.True(t, ok)
	require.Equal(t, tokyo.ID, event.JobID)
	require.Equal(t, 2, event.StampCount)
	require.Contains(t, event.ArchiveURI, "memory://pages/"+archive.URLHash(tokyoURL))
}

func TestFailedJobIsExhaustedAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	f := newFixture()
	r := f.runner(t, zap.New(core))
	ctx := context.Background()
	_, err := f.jobs.Upsert(ctx, []string{kandaURL})
	require.NoError(t, err)

	for attempt := 1; attempt <= crawler.MaxAttempts; attempt++ {
		result, err := r.RunBatch(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, result.Failed, "attempt %d", attempt)
		require.Equal(t, attempt == crawler.MaxAttempts, result.Exhausted == 1)

		again, err := r.RunBatch(ctx, 10)
		require.NoError(t, err)
		require.Zero(t, again.Leased, "job must wait out its backoff")
		f.clock.Advance(crawler.FailureBackoff + time.Second)
	}

	result, err := r.RunBatch(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, result.Leased, "exhausted job must not be leased")

	entries := logs.FilterMessage("job exhausted").All()
	require.Len(t, entries, 1)
	require.Equal(t, zap.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	require.Equal(t, kandaURL, fields["url"])
	require.EqualValues(t, crawler.MaxAttempts, fields["attempts"])

	job := jobByURL(t, f.jobs, kandaURL)
	require.True(t, job.Exhausted())
	require.NoError(t, f.jobs.Reset(ctx, job.ID))
	result, err = r.RunBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Leased)
}

func TestCancellationTakesEffectBetweenJobs(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.fetcher.pages[kandaURL] = fakePage{body: testDetail}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fetcher.onFetch = func(url string) {
		if url == tokyoURL {
			cancel()
		}
	}
	r := f.runner(t, nil)
	_, err := f.jobs.Upsert(context.Background(), []string{tokyoURL, kandaURL})
	require.NoError(t, err)

	result, err := r.RunBatch(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, result.Leased)
	require.Equal(t, 1, result.Completed)

	tokyo := jobByURL(t, f.jobs, tokyoURL)
	require.Equal(t, crawler.JobStatusCompleted, tokyo.Status, "in-flight job finishes")
	kanda := jobByURL(t, f.jobs, kandaURL)
	require.Equal(t, crawler.JobStatusPending, kanda.Status)
	require.Zero(t, kanda.AttemptCount)
	require.Equal(t, []string{tokyoURL}, f.fetcher.Calls())
}

func TestArchiveAndPublishFailuresAreWarnings(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	f := newFixture()
	f.pub.FailWith(errors.New("pubsub down"))
	r := f.runner(t, zap.New(core), WithArchiver(failingArchiver{}))
	created, err := f.jobs.Upsert(context.Background(), []string{tokyoURL})
	require.NoError(t, err)

	require.NoError(t, r.ProcessJob(context.Background(), created[0]))
	job, err := f.jobs.Get(context.Background(), created[0].ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Len(t, logs.FilterMessage("archive failed").All(), 1)
	require.Len(t, logs.FilterMessage("publish page event failed").All(), 1)
}

type failingArchiver struct{}

func (failingArchiver) Archive(context.Context, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func TestProcessJobErrors(t *testing.T) {
	t.Parallel()

	f := newFixture()
	r := f.runner(t, nil)
	ctx := context.Background()
	created, err := f.jobs.Upsert(ctx, []string{kandaURL})
	require.NoError(t, err)

	err = r.ProcessJob(ctx, created[0])
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	require.Equal(t, 1, jobErr.Attempts)
	require.False(t, jobErr.Exhausted)
	require.ErrorIs(t, err, ErrJobFailed)
	require.ErrorIs(t, err, crawler.ErrTransientFetch)
	require.NotErrorIs(t, err, crawler.ErrJobExhausted)

	_, err = f.jobs.MarkInProgress(ctx, created[0].ID)
	require.NoError(t, err)
	err = r.ProcessJob(ctx, created[0])
	require.ErrorIs(t, err, crawler.ErrJobNotClaimable)
}

func TestRunBatchReapsOrphanedLeases(t *testing.T) {
	t.Parallel()

	f := newFixture()
	r := f.runner(t, nil)
	ctx := context.Background()
	created, err := f.jobs.Upsert(ctx, []string{tokyoURL})
	require.NoError(t, err)
	_, err = f.jobs.MarkInProgress(ctx, created[0].ID)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	result, err := r.RunBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Reaped)
	require.Zero(t, result.Leased)

	f.clock.Advance(crawler.FailureBackoff + time.Second)
	completed, err := r.RunUntilEmpty(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, completed)
	job, _ := f.jobs.Get(ctx, created[0].ID)
	require.Equal(t, 2, job.AttemptCount)
}

func TestRunUntilEmptyIsExclusive(t *testing.T) {
	t.Parallel()

	f := newFixture()
	r := f.runner(t, nil)
	r.drainMu.Lock()
	_, err := r.RunUntilEmpty(context.Background())
	r.drainMu.Unlock()
	require.ErrorIs(t, err, ErrRunInProgress)
}

type fakeLock struct {
	err      error
	held     int
	released int
}

func (l *fakeLock) Hold(ctx context.Context) (context.Context, func(), error) {
	if l.err != nil {
		return nil, nil, l.err
	}
	l.held++
	return ctx, func() { l.released++ }, nil
}

func TestRunUntilEmptyUsesLock(t *testing.T) {
	t.Parallel()

	f := newFixture()
	lock := &fakeLock{}
	r := f.runner(t, nil, WithLock(lock))
	_, err := r.RunUntilEmpty(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lock.held)
	require.Equal(t, 1, lock.released)

	held := errors.New("run lock held by another process")
	r = f.runner(t, nil, WithLock(&fakeLock{err: held}))
	_, err = r.RunUntilEmpty(context.Background())
	require.ErrorIs(t, err, held)
}

func TestStats(t *testing.T) {
	t.Parallel()

	f := newFixture()
	r := f.runner(t, nil)
	ctx := context.Background()
	_, err := r.DiscoverURLs(ctx, indexURL)
	require.NoError(t, err)
	_, err = r.RunUntilEmpty(ctx)
	require.NoError(t, err)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.ByStatus[crawler.JobStatusCompleted])
	require.Equal(t, 1, stats.ByStatus[crawler.JobStatusFailed])
	require.Zero(t, stats.Exhausted)
}

func TestRunWithSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fetcher.onFetch = func(url string) {
		if url == kandaURL {
			cancel()
		}
	}
	r := f.runner(t, nil)

	require.Error(t, r.RunWithSchedule(ctx, "not a cron"))

	done := make(chan error, 1)
	go func() { done <- r.RunWithSchedule(ctx, "@every 1h") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	require.Equal(t, []string{indexURL, tokyoURL, kandaURL}, f.fetcher.Calls())
	stats, err := f.jobs.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.ByStatus[crawler.JobStatusInProgress])
}

func TestStartRunsInBackgroundOnce(t *testing.T) {
	t.Parallel()

	f := newFixture()
	release := make(chan struct{})
	f.fetcher.onFetch = func(string) { <-release }
	r := f.runner(t, nil)
	_, err := f.jobs.Upsert(context.Background(), []string{tokyoURL})
	require.NoError(t, err)

	type outcome struct {
		completed int
		err       error
	}
	done := make(chan outcome, 1)
	require.NoError(t, r.Start(context.Background(), func(n int, err error) { done <- outcome{n, err} }))
	require.ErrorIs(t, r.Start(context.Background(), nil), ErrRunInProgress)
	_, err = r.RunUntilEmpty(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.Equal(t, 1, got.completed)
	case <-time.After(5 * time.Second):
		t.Fatal("background drain did not finish")
	}
	require.Eventually(t, func() bool {
		return r.Start(context.Background(), nil) == nil
	}, time.Second, 10*time.Millisecond)
}
