package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

// CrawlJobStore is an in-memory crawler.JobQueue for development and tests.
// It mirrors the Postgres store's semantics under a single mutex.
type CrawlJobStore struct {
	mu         sync.Mutex
	jobs       map[string]*entry
	byURL      map[string]string
	seq        int64
	ids        crawler.IDGenerator
	clock      crawler.Clock
	staleAfter time.Duration
}

type entry struct {
	job crawler.CrawlJob
	seq int64
}

// NewCrawlJobStore constructs an empty store.
func NewCrawlJobStore(ids crawler.IDGenerator, clock crawler.Clock, staleAfter time.Duration) *CrawlJobStore {
	if staleAfter <= 0 {
		staleAfter = crawler.DefaultStaleAfter
	}
	return &CrawlJobStore{
		jobs:       make(map[string]*entry),
		byURL:      make(map[string]string),
		ids:        ids,
		clock:      clock,
		staleAfter: staleAfter,
	}
}

// Upsert inserts unseen URLs as pending jobs and returns only the new jobs.
func (s *CrawlJobStore) Upsert(_ context.Context, urls []string) ([]crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	created := make([]crawler.CrawlJob, 0)
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, exists := s.byURL[u]; exists {
			continue
		}
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
		s.seq++
		job := crawler.CrawlJob{
			ID:        id,
			URL:       u,
			Status:    crawler.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.jobs[id] = &entry{job: job, seq: s.seq}
		s.byURL[u] = id
		created = append(created, cloneJob(job))
	}
	return created, nil
}

// LeaseBatch selects up to limit eligible jobs without changing their status.
func (s *CrawlJobStore) LeaseBatch(_ context.Context, limit int) ([]crawler.CrawlJob, error) {
	if limit <= 0 {
		return []crawler.CrawlJob{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var retry, recrawl []*entry
	for _, e := range s.jobs {
		switch {
		case crawler.RetryEligible(e.job, now):
			retry = append(retry, e)
		case crawler.RecrawlDue(e.job, now):
			recrawl = append(recrawl, e)
		}
	}
	sort.Slice(retry, func(i, j int) bool {
		a, b := retry[i], retry[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.Before(b.job.CreatedAt)
		}
		return a.seq < b.seq
	})
	sort.Slice(recrawl, func(i, j int) bool {
		a, b := recrawl[i], recrawl[j]
		if !a.job.LastScrapedAt.Equal(*b.job.LastScrapedAt) {
			return a.job.LastScrapedAt.Before(*b.job.LastScrapedAt)
		}
		return a.seq < b.seq
	})

	out := make([]crawler.CrawlJob, 0, limit)
	for _, group := range [][]*entry{retry, recrawl} {
		for _, e := range group {
			if len(out) == limit {
				return out, nil
			}
			out = append(out, cloneJob(e.job))
		}
	}
	return out, nil
}

// MarkInProgress claims a job unless another holder's lease is still live.
func (s *CrawlJobStore) MarkInProgress(_ context.Context, id string) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	now := s.clock.Now()
	if !ok || crawler.LeaseLive(e.job, now, s.staleAfter) {
		return crawler.CrawlJob{}, fmt.Errorf("claim job %s: %w", id, crawler.ErrJobNotClaimable)
	}
	e.job.Status = crawler.JobStatusInProgress
	e.job.AttemptCount++
	e.job.LeasedAt = timePtr(now)
	e.job.UpdatedAt = now
	return cloneJob(e.job), nil
}

// MarkCompleted records a successful scrape and its payload.
func (s *CrawlJobStore) MarkCompleted(_ context.Context, id string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("complete job %s: %w", id, crawler.ErrNotFound)
	}
	now := s.clock.Now()
	e.job.Status = crawler.JobStatusCompleted
	e.job.LastScrapedAt = timePtr(now)
	e.job.Payload = append(json.RawMessage(nil), payload...)
	e.job.LastError = nil
	e.job.NextEligibleAt = nil
	e.job.LeasedAt = nil
	e.job.UpdatedAt = now
	return nil
}

// MarkFailed records an error and defers the job by crawler.FailureBackoff.
func (s *CrawlJobStore) MarkFailed(_ context.Context, id string, errText string) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("fail job %s: %w", id, crawler.ErrNotFound)
	}
	s.fail(e, errText, s.clock.Now())
	return cloneJob(e.job), nil
}

func (s *CrawlJobStore) fail(e *entry, errText string, now time.Time) {
	e.job.Status = crawler.JobStatusFailed
	e.job.LastError = &errText
	e.job.NextEligibleAt = timePtr(now.Add(crawler.FailureBackoff))
	e.job.LeasedAt = nil
	e.job.UpdatedAt = now
}

// Reset returns a job to pending with a clean attempt history.
func (s *CrawlJobStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("reset job %s: %w", id, crawler.ErrNotFound)
	}
	e.job.Status = crawler.JobStatusPending
	e.job.AttemptCount = 0
	e.job.LastError = nil
	e.job.NextEligibleAt = nil
	e.job.LeasedAt = nil
	e.job.UpdatedAt = s.clock.Now()
	return nil
}

// Stats counts jobs per status.
func (s *CrawlJobStore) Stats(_ context.Context) (crawler.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := crawler.JobStats{ByStatus: make(map[crawler.JobStatus]int, len(crawler.AllJobStatuses))}
	for _, st := range crawler.AllJobStatuses {
		stats.ByStatus[st] = 0
	}
	for _, e := range s.jobs {
		stats.ByStatus[e.job.Status]++
		stats.Total++
		if e.job.Exhausted() {
			stats.Exhausted++
		}
	}
	return stats, nil
}

// Get fetches a single job.
func (s *CrawlJobStore) Get(_ context.Context, id string) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrNotFound
	}
	return cloneJob(e.job), nil
}

// ListCompleted pages through completed jobs, most recently scraped first.
func (s *CrawlJobStore) ListCompleted(_ context.Context, limit, offset int) ([]crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var done []crawler.CrawlJob
	for _, e := range s.jobs {
		if e.job.Status == crawler.JobStatusCompleted {
			done = append(done, e.job)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		a, b := done[i], done[j]
		if !a.LastScrapedAt.Equal(*b.LastScrapedAt) {
			return a.LastScrapedAt.After(*b.LastScrapedAt)
		}
		return a.ID < b.ID
	})
	out := make([]crawler.CrawlJob, 0)
	if offset < 0 {
		offset = 0
	}
	for i := offset; i < len(done) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, cloneJob(done[i]))
	}
	return out, nil
}

// LeaseExpiredError is recorded on jobs whose in_progress lease was reaped.
const LeaseExpiredError = "lease expired"

// ReapStale fails in_progress jobs whose lease is older than staleAfter.
func (s *CrawlJobStore) ReapStale(_ context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = s.staleAfter
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	reaped := 0
	for _, e := range s.jobs {
		if e.job.Status == crawler.JobStatusInProgress && !crawler.LeaseLive(e.job, now, staleAfter) {
			s.fail(e, LeaseExpiredError, now)
			reaped++
		}
	}
	return reaped, nil
}

func cloneJob(job crawler.CrawlJob) crawler.CrawlJob {
	out := job
	if job.Payload != nil {
		out.Payload = append(json.RawMessage(nil), job.Payload...)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}
