package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

// StoredPage is the set of stamps last written for one page.
type StoredPage struct {
	Match  crawler.MatchResult
	Stamps []crawler.NormalizedStamp
}

// StampStore keeps normalized stamps keyed by page URL.
type StampStore struct {
	mu    sync.RWMutex
	pages map[string]StoredPage
}

// NewStampStore creates an empty stamp store.
func NewStampStore() *StampStore {
	return &StampStore{pages: make(map[string]StoredPage)}
}

// ReplaceForPage swaps the stamps stored for pageURL.
func (s *StampStore) ReplaceForPage(
	_ context.Context,
	pageURL string,
	match crawler.MatchResult,
	stamps []crawler.NormalizedStamp,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pageURL] = StoredPage{
		Match:  match,
		Stamps: append([]crawler.NormalizedStamp(nil), stamps...),
	}
	return nil
}

// Page returns what was last stored for pageURL.
func (s *StampStore) Page(pageURL string) (StoredPage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[pageURL]
	if !ok {
		return StoredPage{}, false
	}
	p.Stamps = append([]crawler.NormalizedStamp(nil), p.Stamps...)
	return p, true
}

// Len reports how many pages have stamps stored.
func (s *StampStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}
