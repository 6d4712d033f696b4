// Package crawler defines the domain types, contracts, and scheduling policy
// shared by the stamp crawler: crawl jobs and their lifecycle, scraped pages,
// canonical stations, match results, and the retry policy used by fetchers.
package crawler
