package crawler

import "time"

// Scheduling policy for crawl jobs.
const (
	// MaxAttempts is the number of failed attempts after which a job is
	// exhausted and only an explicit reset revives it.
	MaxAttempts = 3
	// RecrawlAfter is the age after which a completed job is leased again.
	RecrawlAfter = 30 * 24 * time.Hour
	// FailureBackoff delays the next lease of a failed job.
	FailureBackoff = 5 * time.Minute
	// DefaultStaleAfter is how long an in_progress lease may live before the
	// job is considered orphaned.
	DefaultStaleAfter = 30 * time.Minute
)

// RetryEligible reports whether a pending or failed job may be leased at now.
func RetryEligible(job CrawlJob, now time.Time) bool {
	switch job.Status {
	case JobStatusPending:
	case JobStatusFailed:
		if job.AttemptCount >= MaxAttempts {
			return false
		}
	default:
		return false
	}
	return job.NextEligibleAt == nil || job.NextEligibleAt.Before(now)
}

// RecrawlDue reports whether a completed job is old enough to be scraped again.
func RecrawlDue(job CrawlJob, now time.Time) bool {
	if job.Status != JobStatusCompleted || job.LastScrapedAt == nil {
		return false
	}
	return job.LastScrapedAt.Before(now.Add(-RecrawlAfter))
}

// LeaseLive reports whether an in_progress job still holds a fresh lease.
// An in_progress job without a lease timestamp is treated as orphaned.
func LeaseLive(job CrawlJob, now time.Time, staleAfter time.Duration) bool {
	if job.Status != JobStatusInProgress || job.LeasedAt == nil {
		return false
	}
	return !job.LeasedAt.Before(now.Add(-staleAfter))
}
