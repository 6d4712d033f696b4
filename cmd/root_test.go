package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/api"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/clock/system"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/config"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/id/uuid"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/ingest"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/matcher"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/runner"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/storage/memory"
)

const (
	indexURL = "https://stamp.funakiya.com/jr-east/"
	tokyoURL = "https://stamp.funakiya.com/jr-east/tokyo.html"
)

const indexHTML = `<ul class="allArticleList">
<li><a href="https://stamp.funakiya.com/jr-east/tokyo.html">東京</a></li>
</ul>`

const tokyoHTML = `<div class="articleHeader"><p class="date">JR東日本のスタンプ</p><h2>東京駅のスタンプ</h2></div>
<div class="articleBody">
<p>Geo URI：35.681236, 139.767125</p>
<details><summary>設置中</summary>
<h5>丸の内駅舎</h5><p>サイズ：直径6cm</p>
</details>
</div>`

type pageFetcher map[string]string

func (p pageFetcher) Fetch(_ context.Context, url string) (crawler.FetchResponse, error) {
	body, ok := p[url]
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: url, StatusCode: 404, Attempts: 1}
	}
	return crawler.FetchResponse{URL: url, StatusCode: 200, Body: []byte(body), Attempts: 1}, nil
}

type fakeApp struct {
	cfg      config.Config
	jobs     *memory.CrawlJobStore
	stamps   *memory.StampStore
	matcher  *matcher.Matcher
	runner   *runner.Runner
	ingester *ingest.Ingester

	mu       sync.Mutex
	closed   bool
	migrated bool
}

func newFakeApp(cfg config.Config) *fakeApp {
	clock := system.New()
	jobs := memory.NewCrawlJobStore(uuid.New(), clock, cfg.StaleAfter())
	stations := memory.NewStationStore(crawler.Station{
		ID:          1130101,
		Name:        "東京",
		Coordinates: &crawler.Coordinates{Lat: 35.681236, Lon: 139.767125},
	})
	stamps := memory.NewStampStore()
	m := matcher.New(stations, zap.NewNop())
	fetcher := pageFetcher{indexURL: indexHTML, tokyoURL: tokyoHTML}
	return &fakeApp{
		cfg:     cfg,
		jobs:    jobs,
		stamps:  stamps,
		matcher: m,
		runner: runner.New(jobs, fetcher, clock, runner.Config{
			BatchSize: cfg.Crawler.BatchSize,
			IndexURLs: cfg.Crawler.IndexURLs,
			Schedule:  cfg.Crawler.Schedule,
		}, zap.NewNop()),
		ingester: ingest.New(m, stamps, jobs, zap.NewNop()),
	}
}

func (f *fakeApp) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }
func (f *fakeApp) Config() config.Config { return f.cfg }
func (f *fakeApp) Jobs() crawler.JobQueue { return f.jobs }
func (f *fakeApp) Runner() *runner.Runner { return f.runner }
func (f *fakeApp) Ingester() *ingest.Ingester { return f.ingester }
func (f *fakeApp) Migrate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.migrated = true
	return nil
}

func (f *fakeApp) APIServer(ctx context.Context) *api.Server {
	return api.NewServer(api.Deps{
		Jobs:        f.jobs,
		Runner:      f.runner,
		Matcher:     f.matcher,
		BaseContext: ctx,
	}, f.cfg, zap.NewNop())
}

func (f *fakeApp) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func baseConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Crawler: config.CrawlerConfig{
			IndexURLs:         []string{indexURL},
			BatchSize:         10,
			Schedule:          "0 3 * * *",
			StaleAfterMinutes: 30,
		},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 5},
		DB:      config.DBConfig{DSN: "postgres://test/ekidata"},
		Logging: config.LoggingConfig{Development: true},
	}
}

// useFakes swaps the config loader and app factory for the duration of t.
// The returned pointer is set once the root command builds the app.
func useFakes(t *testing.T, cfg config.Config, existing *fakeApp) **fakeApp {
	t.Helper()
	origLoad, origNew := loadConfig, newApp
	t.Cleanup(func() { loadConfig, newApp = origLoad, origNew })

	var built *fakeApp
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		if existing != nil {
			existing.cfg = cfg
			built = existing
		} else {
			built = newFakeApp(cfg)
		}
		return built, nil
	}
	return &built
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDiscoverUsesConfiguredIndexURLs(t *testing.T) {
	built := useFakes(t, baseConfig(), nil)

	out, err := execute(t, "discover")
	require.NoError(t, err)

	var got []discoverOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, indexURL, got[0].IndexURL)
	assert.Equal(t, []string{tokyoURL}, got[0].URLs)

	stats, err := (*built).jobs.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[crawler.JobStatusPending])
	assert.True(t, (*built).isClosed(), "app is closed after the command")
}

func TestDiscoverWithoutIndexURLs(t *testing.T) {
	cfg := baseConfig()
	cfg.Crawler.IndexURLs = nil
	useFakes(t, cfg, nil)

	_, err := execute(t, "discover")
	require.ErrorContains(t, err, "crawler.index_urls is empty")
}

func TestRunOnceThenMatch(t *testing.T) {
	fake := newFakeApp(baseConfig())
	useFakes(t, baseConfig(), fake)

	_, err := execute(t, "discover", indexURL)
	require.NoError(t, err)

	out, err := execute(t, "run", "--once")
	require.NoError(t, err)
	var batch runner.BatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &batch))
	assert.Equal(t, 1, batch.Leased)
	assert.Equal(t, 1, batch.Completed)

	out, err = execute(t, "match")
	require.NoError(t, err)
	var result ingest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 1, result.Stamps)

	stored, ok := fake.stamps.Page(tokyoURL)
	require.True(t, ok)
	assert.Len(t, stored.Stamps, 1)
}

func TestRunUntilEmpty(t *testing.T) {
	fake := newFakeApp(baseConfig())
	useFakes(t, baseConfig(), fake)

	_, err := fake.jobs.Upsert(context.Background(), []string{tokyoURL, "https://stamp.funakiya.com/jr-east/gone.html"})
	require.NoError(t, err)

	out, err := execute(t, "run")
	require.NoError(t, err)
	assert.JSONEq(t, `{"completed":1}`, out)

	stats, err := fake.jobs.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[crawler.JobStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[crawler.JobStatusFailed])
}

func TestBatchSizeFlagOverridesConfig(t *testing.T) {
	built := useFakes(t, baseConfig(), nil)

	_, err := execute(t, "run", "--once", "--batch-size", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, (*built).cfg.Crawler.BatchSize)
}

func TestStatsAndReset(t *testing.T) {
	fake := newFakeApp(baseConfig())
	useFakes(t, baseConfig(), fake)

	created, err := fake.jobs.Upsert(context.Background(), []string{tokyoURL})
	require.NoError(t, err)
	jobID := created[0].ID
	_, err = fake.jobs.MarkInProgress(context.Background(), jobID)
	require.NoError(t, err)
	_, err = fake.jobs.MarkFailed(context.Background(), jobID, "status 503")
	require.NoError(t, err)

	out, err := execute(t, "stats")
	require.NoError(t, err)
	var stats crawler.JobStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.ByStatus[crawler.JobStatusFailed])

	_, err = execute(t, "reset", "not-a-uuid")
	require.ErrorContains(t, err, "is not a UUID")

	_, err = execute(t, "reset", jobID)
	require.NoError(t, err)
	job, err := fake.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusPending, job.Status)
	assert.Zero(t, job.AttemptCount)
}

func TestMigrate(t *testing.T) {
	fake := newFakeApp(baseConfig())
	useFakes(t, baseConfig(), fake)

	_, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.True(t, fake.migrated)
}

func TestConfigErrorStopsBeforeAppIsBuilt(t *testing.T) {
	built := useFakes(t, baseConfig(), nil)
	loadConfig = func(string) (config.Config, error) { return config.Config{}, fmt.Errorf("db.dsn is required") }

	_, err := execute(t, "stats")
	require.ErrorContains(t, err, "db.dsn is required")
	assert.Nil(t, *built)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	fake := newFakeApp(baseConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, fake, ln, false) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // readiness poll in test
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("serve did not return after cancel")
	}
}
