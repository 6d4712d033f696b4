// Package ingest turns completed crawl payloads into normalized stamp rows
// linked to canonical stations. It runs downstream of the crawl loop.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/normalize"
)

const pageSize = 100

// Matcher resolves a scraped location to a station.
type Matcher interface {
	Match(ctx context.Context, loc crawler.LocationInfo) crawler.MatchResult
}

// CompletedLister pages through completed crawl jobs.
type CompletedLister interface {
	ListCompleted(ctx context.Context, limit, offset int) ([]crawler.CrawlJob, error)
}

// Result summarizes an ingest run.
type Result struct {
	Pages     int `json:"pages"`
	Stamps    int `json:"stamps"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Skipped   int `json:"skipped"`
}

// Ingester matches and stores scraped pages.
type Ingester struct {
	matcher Matcher
	stamps  crawler.StampStore
	jobs    CompletedLister
	logger  *zap.Logger
}

// New builds an Ingester.
func New(matcher Matcher, stamps crawler.StampStore, jobs CompletedLister, logger *zap.Logger) *Ingester {
	return &Ingester{
		matcher: matcher,
		stamps:  stamps,
		jobs:    jobs,
		logger:  logging.OrNop(logger).Named("ingest"),
	}
}

// Ingest matches the page's location and replaces its stored stamps.
// Unmatched pages are stored with a none match.
func (i *Ingester) Ingest(ctx context.Context, page crawler.ScrapedPage) (crawler.MatchResult, error) {
	match := i.matcher.Match(ctx, page.Location)
	stamps := normalize.Stamps(page.Stamps)
	if err := i.stamps.ReplaceForPage(ctx, page.Location.PageURL, match, stamps); err != nil {
		return match, fmt.Errorf("store stamps for %s: %w", page.Location.PageURL, err)
	}
	return match, nil
}

// IngestCompleted ingests the payloads of completed jobs, newest first, up to
// limit pages (all when limit <= 0). Undecodable payloads are skipped.
func (i *Ingester) IngestCompleted(ctx context.Context, limit int) (Result, error) {
	var result Result
	for offset := 0; ; offset += pageSize {
		jobs, err := i.jobs.ListCompleted(ctx, pageSize, offset)
		if err != nil {
			return result, fmt.Errorf("list completed jobs: %w", err)
		}
		for _, job := range jobs {
			if limit > 0 && result.Pages+result.Skipped >= limit {
				return result, nil
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}
			var page crawler.ScrapedPage
			if err := json.Unmarshal(job.Payload, &page); err != nil {
				result.Skipped++
				i.logger.Warn("undecodable payload", zap.String("job_id", job.ID), zap.String("url", job.URL), zap.Error(err))
				continue
			}
			if page.Location.PageURL == "" {
				page.Location.PageURL = job.URL
			}
			match, err := i.Ingest(ctx, page)
			if err != nil {
				return result, err
			}
			result.Pages++
			result.Stamps += len(page.Stamps)
			if match.MatchType == crawler.MatchNone {
				result.Unmatched++
			} else {
				result.Matched++
			}
		}
		if len(jobs) < pageSize {
			break
		}
	}
	i.logger.Info("ingest finished",
		zap.Int("pages", result.Pages),
		zap.Int("stamps", result.Stamps),
		zap.Int("matched", result.Matched),
		zap.Int("unmatched", result.Unmatched),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}
