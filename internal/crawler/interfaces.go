package crawler

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// JobQueue persists the crawl lifecycle of every discovered URL.
type JobQueue interface {
	// Upsert inserts the URLs that are not yet known and returns only the new jobs.
	Upsert(ctx context.Context, urls []string) ([]CrawlJob, error)
	// LeaseBatch selects up to limit eligible jobs without changing their status.
	LeaseBatch(ctx context.Context, limit int) ([]CrawlJob, error)
	MarkInProgress(ctx context.Context, id string) (CrawlJob, error)
	MarkCompleted(ctx context.Context, id string, payload json.RawMessage) error
	MarkFailed(ctx context.Context, id string, errText string) (CrawlJob, error)
	Reset(ctx context.Context, id string) error
	Stats(ctx context.Context) (JobStats, error)
	Get(ctx context.Context, id string) (CrawlJob, error)
	// ListCompleted returns completed jobs, newest scrape first. A limit <= 0
	// means no limit.
	ListCompleted(ctx context.Context, limit, offset int) ([]CrawlJob, error)
	// ReapStale fails in_progress jobs whose lease is older than staleAfter.
	ReapStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Fetcher retrieves a page body for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// StationFinder is the read-only query surface of the canonical station store.
type StationFinder interface {
	FindByName(ctx context.Context, name string, limit int) ([]Station, error)
	FindByNameLike(ctx context.Context, fragment string, limit int) ([]Station, error)
	// FindNearby returns stations within radiusMeters ordered nearest first.
	FindNearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]NearbyStation, error)
}

// StampStore persists normalized stamps linked to a matched station.
type StampStore interface {
	ReplaceForPage(ctx context.Context, pageURL string, match MatchResult, stamps []NormalizedStamp) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes page events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
