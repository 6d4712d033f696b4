package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

const jobColumns = `id, url, status, attempt_count, last_scraped_at, next_eligible_at, leased_at,
	last_error, payload, created_at, updated_at`

// LeaseExpiredError is recorded on jobs whose in_progress lease was reaped.
const LeaseExpiredError = "lease expired"

// CrawlJobStore persists crawl jobs in the scrape_job table. Every mutation
// is a single statement.
type CrawlJobStore struct {
	pool       Pool
	ids        crawler.IDGenerator
	clock      crawler.Clock
	staleAfter time.Duration
}

// NewCrawlJobStore constructs a store from an existing pool. staleAfter <= 0
// falls back to crawler.DefaultStaleAfter.
func NewCrawlJobStore(pool Pool, ids crawler.IDGenerator, clock crawler.Clock, staleAfter time.Duration) (*CrawlJobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if staleAfter <= 0 {
		staleAfter = crawler.DefaultStaleAfter
	}
	return &CrawlJobStore{pool: pool, ids: ids, clock: clock, staleAfter: staleAfter}, nil
}

// Upsert inserts unseen URLs as pending jobs and returns only the inserted rows.
func (s *CrawlJobStore) Upsert(ctx context.Context, urls []string) ([]crawler.CrawlJob, error) {
	unique := dedupe(urls)
	if len(unique) == 0 {
		return []crawler.CrawlJob{}, nil
	}
	ids := make([]string, len(unique))
	for i := range unique {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
		ids[i] = id
	}
	query := `
INSERT INTO scrape_job (id, url, status, attempt_count, created_at, updated_at)
SELECT u.id, u.url, 'pending', 0, $3, $3
FROM unnest($1::text[], $2::text[]) AS u(id, url)
ON CONFLICT (url) DO NOTHING
RETURNING ` + jobColumns
	rows, err := s.pool.Query(ctx, query, ids, unique, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("upsert jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("upsert jobs: %w", err)
	}
	return jobs, nil
}

// LeaseBatch returns up to limit jobs: retryable pending/failed jobs first,
// oldest created, then completed jobs due for a re-crawl, oldest scraped.
func (s *CrawlJobStore) LeaseBatch(ctx context.Context, limit int) ([]crawler.CrawlJob, error) {
	if limit <= 0 {
		return []crawler.CrawlJob{}, nil
	}
	now := s.clock.Now()
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM scrape_job
WHERE (status = 'pending' OR (status = 'failed' AND attempt_count < $1))
  AND (next_eligible_at IS NULL OR next_eligible_at < $2)
ORDER BY created_at
LIMIT $3`, crawler.MaxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("lease pending jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("lease pending jobs: %w", err)
	}
	if remaining := limit - len(jobs); remaining > 0 {
		rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM scrape_job
WHERE status = 'completed' AND last_scraped_at < $1
ORDER BY last_scraped_at
LIMIT $2`, now.Add(-crawler.RecrawlAfter), remaining)
		if err != nil {
			return nil, fmt.Errorf("lease recrawl jobs: %w", err)
		}
		due, err := collectJobs(rows)
		if err != nil {
			return nil, fmt.Errorf("lease recrawl jobs: %w", err)
		}
		jobs = append(jobs, due...)
	}
	return jobs, nil
}

// MarkInProgress claims a job, incrementing its attempt count. A job already
// held by a live lease yields crawler.ErrJobNotClaimable.
func (s *CrawlJobStore) MarkInProgress(ctx context.Context, id string) (crawler.CrawlJob, error) {
	now := s.clock.Now()
	row := s.pool.QueryRow(ctx, `
UPDATE scrape_job
SET status = 'in_progress', attempt_count = attempt_count + 1, leased_at = $2, updated_at = $2
WHERE id = $1 AND (status <> 'in_progress' OR leased_at IS NULL OR leased_at < $3)
RETURNING `+jobColumns, id, now, now.Add(-s.staleAfter))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlJob{}, fmt.Errorf("claim job %s: %w", id, crawler.ErrJobNotClaimable)
		}
		return crawler.CrawlJob{}, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, nil
}

// MarkCompleted records a successful scrape and its payload.
func (s *CrawlJobStore) MarkCompleted(ctx context.Context, id string, payload json.RawMessage) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_job
SET status = 'completed', last_scraped_at = $2, payload = $3, last_error = NULL,
    next_eligible_at = NULL, leased_at = NULL, updated_at = $2
WHERE id = $1`, id, now, []byte(payload))
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// MarkFailed records an error and defers the job by crawler.FailureBackoff.
func (s *CrawlJobStore) MarkFailed(ctx context.Context, id string, errText string) (crawler.CrawlJob, error) {
	now := s.clock.Now()
	row := s.pool.QueryRow(ctx, `
UPDATE scrape_job
SET status = 'failed', last_error = $2, next_eligible_at = $3, leased_at = NULL, updated_at = $4
WHERE id = $1
RETURNING `+jobColumns, id, errText, now.Add(crawler.FailureBackoff), now)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlJob{}, fmt.Errorf("fail job %s: %w", id, crawler.ErrNotFound)
		}
		return crawler.CrawlJob{}, fmt.Errorf("fail job %s: %w", id, err)
	}
	return job, nil
}

// Reset returns a job to pending with a clean attempt history.
func (s *CrawlJobStore) Reset(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_job
SET status = 'pending', attempt_count = 0, last_error = NULL, next_eligible_at = NULL,
    leased_at = NULL, updated_at = $2
WHERE id = $1`, id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("reset job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reset job %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// Stats counts jobs per status.
func (s *CrawlJobStore) Stats(ctx context.Context) (crawler.JobStats, error) {
	rows, err := s.pool.Query(ctx, `
SELECT status, count(*), count(*) FILTER (WHERE status = 'failed' AND attempt_count >= $1)
FROM scrape_job
GROUP BY status`, crawler.MaxAttempts)
	if err != nil {
		return crawler.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := crawler.JobStats{ByStatus: make(map[crawler.JobStatus]int, len(crawler.AllJobStatuses))}
	for _, st := range crawler.AllJobStatuses {
		stats.ByStatus[st] = 0
	}
	for rows.Next() {
		var (
			status           string
			count, exhausted int64
		)
		if err := rows.Scan(&status, &count, &exhausted); err != nil {
			return crawler.JobStats{}, fmt.Errorf("scan job stats: %w", err)
		}
		stats.ByStatus[crawler.JobStatus(status)] = int(count)
		stats.Exhausted += int(exhausted)
		stats.Total += int(count)
	}
	if err := rows.Err(); err != nil {
		return crawler.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// Get fetches a single job.
func (s *CrawlJobStore) Get(ctx context.Context, id string) (crawler.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_job WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlJob{}, crawler.ErrNotFound
		}
		return crawler.CrawlJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListCompleted pages through completed jobs, most recently scraped first.
// A limit <= 0 lists every job past offset.
func (s *CrawlJobStore) ListCompleted(ctx context.Context, limit, offset int) ([]crawler.CrawlJob, error) {
	var maxRows any // LIMIT NULL is no limit
	if limit > 0 {
		maxRows = limit
	}
	offset = max(offset, 0)
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM scrape_job
WHERE status = 'completed'
ORDER BY last_scraped_at DESC, id
LIMIT $1 OFFSET $2`, maxRows, offset)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	return jobs, nil
}

// ReapStale fails in_progress jobs whose lease is older than staleAfter, so
// a crashed run does not strand them.
func (s *CrawlJobStore) ReapStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = s.staleAfter
	}
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_job
SET status = 'failed', last_error = $1, next_eligible_at = $2, leased_at = NULL, updated_at = $3
WHERE status = 'in_progress' AND (leased_at IS NULL OR leased_at < $4)`,
		LeaseExpiredError, now.Add(crawler.FailureBackoff), now, now.Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectJobs(rows pgx.Rows) ([]crawler.CrawlJob, error) {
	defer rows.Close()
	jobs := make([]crawler.CrawlJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		job     crawler.CrawlJob
		status  string
		attempt int
		payload []byte
	)
	err := row.Scan(
		&job.ID,
		&job.URL,
		&status,
		&attempt,
		&job.LastScrapedAt,
		&job.NextEligibleAt,
		&job.LeasedAt,
		&job.LastError,
		&payload,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return crawler.CrawlJob{}, err //nolint:wrapcheck // callers wrap with the operation
	}
	job.Status = crawler.JobStatus(status)
	job.AttemptCount = attempt
	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	return job, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
