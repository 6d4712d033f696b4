// Package runner drives the crawl: discover detail pages from index pages,
// then lease, fetch, parse and record jobs one at a time until none remain.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/extract"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/metrics"
)

// DefaultBatchSize is the lease size used when Config.BatchSize is unset.
const DefaultBatchSize = 10

var (
	// ErrJobFailed matches a JobError: the job's failure was recorded.
	ErrJobFailed = errors.New("job failed")
	// ErrRunInProgress is returned when a drain is already running in this process.
	ErrRunInProgress = errors.New("run already in progress")
)

// JobError reports a job whose fetch or parse failed and was recorded with
// MarkFailed.
type JobError struct {
	JobID     string
	URL       string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s) failed on attempt %d: %v", e.JobID, e.URL, e.Attempts, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Is matches ErrJobFailed, and crawler.ErrJobExhausted once no attempts remain.
func (e *JobError) Is(target error) bool {
	switch target {
	case ErrJobFailed:
		return true
	case crawler.ErrJobExhausted:
		return e.Exhausted
	default:
		return false
	}
}

// Archiver stores raw page bodies.
type Archiver interface {
	Archive(ctx context.Context, url string, body []byte) (string, error)
}

// Lock provides cross-process exclusivity for a drain. The returned context
// is canceled if the lock is lost.
type Lock interface {
	Hold(ctx context.Context) (context.Context, func(), error)
}

// Config controls batch size, discovery and event publishing.
type Config struct {
	BatchSize  int
	IndexURLs  []string
	Schedule   string
	StaleAfter time.Duration
	Topic      string
}

// BatchResult counts what one RunBatch did.
type BatchResult struct {
	Reaped    int `json:"reaped"`
	Leased    int `json:"leased"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
}

// Runner sequences the crawl. It processes one job at a time.
type Runner struct {
	jobs      crawler.JobQueue
	fetcher   crawler.Fetcher
	clock     crawler.Clock
	archiver  Archiver
	publisher crawler.Publisher
	lock      Lock
	cfg       Config
	logger    *zap.Logger

	drainMu sync.Mutex
}

// Option customizes a Runner.
type Option func(*Runner)

// WithArchiver stores the raw HTML of every fetched detail page.
func WithArchiver(a Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// WithPublisher publishes a PageScrapedEvent after each completed job.
func WithPublisher(p crawler.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithLock guards each drain with a cross-process lock.
func WithLock(l Lock) Option {
	return func(r *Runner) { r.lock = l }
}

// New builds a Runner.
func New(
	jobs crawler.JobQueue,
	fetcher crawler.Fetcher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = crawler.DefaultStaleAfter
	}
	metrics.Init()
	r := &Runner{
		jobs:    jobs,
		fetcher: fetcher,
		clock:   clock,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DiscoverURLs fetches an index page and enqueues every detail page it links.
// It returns all links found, including ones already queued.
func (r *Runner) DiscoverURLs(ctx context.Context, indexURL string) ([]string, error) {
	resp, err := r.fetcher.Fetch(ctx, indexURL)
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", indexURL, err)
	}
	urls, err := extract.Links(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("extract links from %s: %w", indexURL, err)
	}
	created, err := r.jobs.Upsert(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("enqueue links from %s: %w", indexURL, err)
	}
	r.logger.Info("discovered station pages",
		zap.String("index_url", indexURL),
		zap.Int("found", len(urls)),
		zap.Int("new", len(created)),
	)
	return urls, nil
}

// ProcessJob claims, fetches, parses and records one job. A fetch or parse
// failure is recorded on the job and returned as a *JobError; any other error
// comes from the job store.
func (r *Runner) ProcessJob(ctx context.Context, job crawler.CrawlJob) error {
	claimed, err := r.jobs.MarkInProgress(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	logger := r.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	logger.Debug("processing job", zap.Int("attempt", claimed.AttemptCount))

	resp, err := r.fetcher.Fetch(ctx, job.URL)
	if err != nil {
		return r.fail(ctx, logger, claimed, err)
	}
	page, err := extract.ParseDetail(resp.Body, job.URL)
	if err != nil {
		return r.fail(ctx, logger, claimed, fmt.Errorf("parse detail: %w", err))
	}
	payload, err := json.Marshal(page)
	if err != nil {
		return r.fail(ctx, logger, claimed, fmt.Errorf("encode page: %w", err))
	}

	var archiveURI string
	if r.archiver != nil {
		archiveURI, err = r.archiver.Archive(ctx, job.URL, resp.Body)
		if err != nil {
			logger.Warn("archive failed", zap.Error(err))
		}
	}

	if err := r.jobs.MarkCompleted(ctx, job.ID, payload); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	metrics.ObserveJob(metrics.JobCompleted)
	logger.Info("job completed",
		zap.Int("stamps", len(page.Stamps)),
		zap.Int("attempt", claimed.AttemptCount),
		zap.Duration("fetch_duration", resp.Duration),
	)

	if r.publisher != nil {
		event := crawler.PageScrapedEvent{
			JobID:      job.ID,
			URL:        job.URL,
			ScrapedAt:  r.clock.Now(),
			StampCount: len(page.Stamps),
			ArchiveURI: archiveURI,
			Page:       page,
		}
		if _, err := r.publisher.Publish(ctx, r.cfg.Topic, event); err != nil {
			logger.Warn("publish page event failed", zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, logger *zap.Logger, job crawler.CrawlJob, cause error) error {
	failed, err := r.jobs.MarkFailed(ctx, job.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("record failure of job %s: %w", job.ID, err)
	}
	metrics.ObserveJob(metrics.JobFailed)
	jobErr := &JobError{
		JobID:     job.ID,
		URL:       job.URL,
		Attempts:  failed.AttemptCount,
		Exhausted: failed.Exhausted(),
		Err:       cause,
	}
	if jobErr.Exhausted {
		metrics.ObserveJobExhausted()
		logger.Warn("job exhausted",
			zap.Int("attempts", failed.AttemptCount),
			zap.Error(cause),
		)
		return jobErr
	}
	logger.Info("job failed",
		zap.Int("attempt", failed.AttemptCount),
		zap.Timep("next_eligible_at", failed.NextEligibleAt),
		zap.Error(cause),
	)
	return jobErr
}

// RunBatch reaps orphaned leases, leases up to size jobs and processes them
// in order. Job failures are counted, not returned. Cancellation is checked
// between jobs; a job that has started always runs to a recorded outcome.
func (r *Runner) RunBatch(ctx context.Context, size int) (BatchResult, error) {
	var result BatchResult
	if size <= 0 {
		size = r.cfg.BatchSize
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	reaped, err := r.jobs.ReapStale(ctx, r.cfg.StaleAfter)
	if err != nil {
		return result, fmt.Errorf("reap stale jobs: %w", err)
	}
	result.Reaped = reaped
	if reaped > 0 {
		metrics.ObserveJobsReaped(reaped)
		r.logger.Warn("reaped orphaned jobs", zap.Int("count", reaped), zap.Duration("stale_after", r.cfg.StaleAfter))
	}

	jobs, err := r.jobs.LeaseBatch(ctx, size)
	if err != nil {
		return result, fmt.Errorf("lease batch: %w", err)
	}
	result.Leased = len(jobs)
	if len(jobs) == 0 {
		r.logger.Debug("no eligible jobs")
		return result, nil
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			r.logBatch(result)
			return result, err
		}
		err := r.ProcessJob(context.WithoutCancel(ctx), job)
		switch {
		case err == nil:
			result.Completed++
		case errors.Is(err, ErrJobFailed):
			result.Failed++
			if errors.Is(err, crawler.ErrJobExhausted) {
				result.Exhausted++
			}
		case errors.Is(err, crawler.ErrJobNotClaimable):
			result.Skipped++
			metrics.ObserveJob(metrics.JobSkipped)
			r.logger.Info("job skipped", zap.String("job_id", job.ID), zap.Error(err))
		default:
			r.logBatch(result)
			return result, err
		}
	}
	r.logBatch(result)
	return result, nil
}

func (r *Runner) logBatch(result BatchResult) {
	r.logger.Info("batch finished",
		zap.Int("leased", result.Leased),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("exhausted", result.Exhausted),
		zap.Int("skipped", result.Skipped),
	)
}

// RunUntilEmpty runs batches until a lease comes back empty and returns the
// number of jobs completed. Only one drain runs per process, and per cluster
// when a Lock is configured.
func (r *Runner) RunUntilEmpty(ctx context.Context) (int, error) {
	if !r.drainMu.TryLock() {
		return 0, ErrRunInProgress
	}
	defer r.drainMu.Unlock()
	return r.drain(ctx)
}

// Start begins a drain in the background and calls done with its outcome.
// It returns ErrRunInProgress without starting when a drain is running.
func (r *Runner) Start(ctx context.Context, done func(completed int, err error)) error {
	if !r.drainMu.TryLock() {
		return ErrRunInProgress
	}
	go func() {
		defer r.drainMu.Unlock()
		completed, err := r.drain(ctx)
		if done != nil {
			done(completed, err)
		}
	}()
	return nil
}

func (r *Runner) drain(ctx context.Context) (int, error) {
	if r.lock != nil {
		held, release, err := r.lock.Hold(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire run lock: %w", err)
		}
		defer release()
		ctx = held
	}

	metrics.SetRunActive(true)
	defer metrics.SetRunActive(false)

	start := r.clock.Now()
	total := 0
	for {
		result, err := r.RunBatch(ctx, r.cfg.BatchSize)
		total += result.Completed
		if err != nil {
			return total, err
		}
		if result.Leased == 0 {
			break
		}
		if result.Skipped == result.Leased {
			r.logger.Warn("every leased job was claimed elsewhere; stopping drain")
			break
		}
	}
	r.logger.Info("drain finished", zap.Int("completed", total), zap.Duration("elapsed", r.clock.Now().Sub(start)))
	return total, nil
}

// Stats logs and returns per-status job counts.
func (r *Runner) Stats(ctx context.Context) (crawler.JobStats, error) {
	stats, err := r.jobs.Stats(ctx)
	if err != nil {
		return crawler.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	for _, status := range crawler.AllJobStatuses {
		r.logger.Info("job status count", zap.String("status", string(status)), zap.Int("count", stats.ByStatus[status]))
	}
	r.logger.Info("job totals", zap.Int("total", stats.Total), zap.Int("exhausted", stats.Exhausted))
	return stats, nil
}
