package crawler

import (
	"encoding/json"
	"net/http"
	"time"
)

// JobStatus represents the stored lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AllJobStatuses lists every stored status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusInProgress,
	JobStatusCompleted,
	JobStatusFailed,
}

// Valid reports whether s is one of the stored statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CrawlJob tracks the scrape lifecycle of one discovered URL.
type CrawlJob struct {
	ID             string          `json:"id"`
	URL            string          `json:"url"`
	Status         JobStatus       `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	LastScrapedAt  *time.Time      `json:"last_scraped_at,omitempty"`
	NextEligibleAt *time.Time      `json:"next_eligible_at,omitempty"`
	LeasedAt       *time.Time      `json:"leased_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Exhausted reports whether the job has failed MaxAttempts times and now
// requires an explicit reset before it can be leased again.
func (j CrawlJob) Exhausted() bool {
	return j.Status == JobStatusFailed && j.AttemptCount >= MaxAttempts
}

// JobStats summarises the queue by status.
type JobStats struct {
	ByStatus  map[JobStatus]int `json:"by_status"`
	Exhausted int               `json:"exhausted"`
	Total     int               `json:"total"`
}

// FetchResponse is the result of a successful fetch.
type FetchResponse struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Headers    http.Header   `json:"headers"`
	Body       []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
}

// PageScrapedEvent is published after a job completes successfully.
type PageScrapedEvent struct {
	JobID      string      `json:"job_id"`
	URL        string      `json:"url"`
	ScrapedAt  time.Time   `json:"scraped_at"`
	StampCount int         `json:"stamp_count"`
	ArchiveURI string      `json:"archive_uri,omitempty"`
	Page       ScrapedPage `json:"page"`
}

// Attributes returns the message attributes used to route the event without
// decoding its body.
func (e PageScrapedEvent) Attributes() map[string]string {
	return map[string]string{
		"event_type": "page_scraped",
		"job_id":     e.JobID,
		"url":        e.URL,
	}
}
