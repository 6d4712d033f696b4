// Package matcher links a scraped stamp location to a canonical station.
//
// Strategies run in a fixed order and the first conclusive one wins:
// exact name (disambiguated by coordinates when the name is shared),
// nearest station by coordinates, then a unique fuzzy name hit.
package matcher

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/metrics"
)

// Query limits and thresholds.
const (
	ExactLimit   = 5
	FuzzyLimit   = 10
	NearbyLimit  = 5
	RadiusMeters = 500.0
)

// Confidences assigned by each strategy.
const (
	ConfidenceExact         = 1.0
	ConfidenceExactByCoords = 0.95
	ConfidenceFuzzy         = 0.7
	ConfidenceCoordsFloor   = 0.5
)

var (
	operatorPrefix = regexp.MustCompile(`^(JR|国鉄|私鉄)`)
	stationSuffix  = regexp.MustCompile(`駅$`)
	parenSuffix    = regexp.MustCompile(`（.+）$`)
)

// StationKey reduces a page name to the form stored in the station table.
func StationKey(name string) string {
	key := operatorPrefix.ReplaceAllString(name, "")
	key = stationSuffix.ReplaceAllString(key, "")
	key = parenSuffix.ReplaceAllString(key, "")
	return strings.TrimSpace(key)
}

// Strategy attempts one way of matching. ok is false when it is inconclusive.
type Strategy func(ctx context.Context, in *Input) (result crawler.MatchResult, ok bool)

// Input carries the location being matched and lookups shared between
// strategies.
type Input struct {
	Location crawler.LocationInfo
	Key      string

	nearby       []crawler.NearbyStation
	nearbyLoaded bool
}

// Matcher runs strategies against a StationFinder.
type Matcher struct {
	finder     crawler.StationFinder
	logger     *zap.Logger
	strategies []Strategy
}

// New builds a Matcher with the default strategy order.
func New(finder crawler.StationFinder, logger *zap.Logger) *Matcher {
	metrics.Init()
	m := &Matcher{
		finder: finder,
		logger: logging.OrNop(logger).Named("matcher"),
	}
	m.strategies = []Strategy{m.exactName, m.coordinates, m.fuzzyName}
	return m
}

// Match never fails: lookup errors are logged and the strategy that hit them
// is treated as inconclusive.
func (m *Matcher) Match(ctx context.Context, loc crawler.LocationInfo) crawler.MatchResult {
	in := &Input{Location: loc, Key: StationKey(loc.Name)}
	result := crawler.NoMatch()
	for _, strategy := range m.strategies {
		if r, ok := strategy(ctx, in); ok {
			result = r
			break
		}
	}
	metrics.ObserveMatch(string(result.MatchType))
	m.logger.Debug("station match",
		zap.String("name", loc.Name),
		zap.String("key", in.Key),
		zap.String("match_type", string(result.MatchType)),
		zap.Float64("confidence", result.Confidence),
	)
	return result
}

func (m *Matcher) exactName(ctx context.Context, in *Input) (crawler.MatchResult, bool) {
	if in.Key == "" {
		return crawler.MatchResult{}, false
	}
	hits, err := m.finder.FindByName(ctx, in.Key, ExactLimit)
	if err != nil {
		m.lookupFailed("exact name", in, err)
		return crawler.MatchResult{}, false
	}
	if len(hits) == 1 {
		return matched(hits[0], crawler.MatchExactName, ConfidenceExact), true
	}
	if len(hits) > 1 && in.Location.Coordinates != nil {
		named := make(map[int64]crawler.Station, len(hits))
		for _, h := range hits {
			named[h.ID] = h
		}
		// nearby is ordered nearest first.
		for _, n := range m.nearby(ctx, in) {
			if h, ok := named[n.ID]; ok {
				return matched(h, crawler.MatchExactName, ConfidenceExactByCoords), true
			}
		}
	}
	return crawler.MatchResult{}, false
}

func (m *Matcher) coordinates(ctx context.Context, in *Input) (crawler.MatchResult, bool) {
	if in.Location.Coordinates == nil {
		return crawler.MatchResult{}, false
	}
	nearby := m.nearby(ctx, in)
	if len(nearby) == 0 {
		return crawler.MatchResult{}, false
	}
	closest := nearby[0]
	return matched(closest.Station, crawler.MatchCoordinates, CoordinateConfidence(closest.DistanceMeters)), true
}

func (m *Matcher) fuzzyName(ctx context.Context, in *Input) (crawler.MatchResult, bool) {
	if in.Key == "" {
		return crawler.MatchResult{}, false
	}
	hits, err := m.finder.FindByNameLike(ctx, in.Key, FuzzyLimit)
	if err != nil {
		m.lookupFailed("fuzzy name", in, err)
		return crawler.MatchResult{}, false
	}
	if len(hits) == 1 {
		return matched(hits[0], crawler.MatchFuzzyName, ConfidenceFuzzy), true
	}
	return crawler.MatchResult{}, false
}

// nearby loads stations around the location once per Match call.
func (m *Matcher) nearby(ctx context.Context, in *Input) []crawler.NearbyStation {
	if in.nearbyLoaded {
		return in.nearby
	}
	in.nearbyLoaded = true
	c := in.Location.Coordinates
	found, err := m.finder.FindNearby(ctx, c.Lat, c.Lon, RadiusMeters, NearbyLimit)
	if err != nil {
		m.lookupFailed("nearby", in, err)
		return nil
	}
	in.nearby = found
	return found
}

func (m *Matcher) lookupFailed(lookup string, in *Input, err error) {
	m.logger.Warn("station lookup failed",
		zap.String("lookup", lookup),
		zap.String("name", in.Location.Name),
		zap.String("page_url", in.Location.PageURL),
		zap.Error(err),
	)
}

// CoordinateConfidence scales linearly from 1.0 at the station to the floor
// at half the search radius and beyond.
func CoordinateConfidence(distanceMeters float64) float64 {
	c := 1 - distanceMeters/RadiusMeters
	if c < ConfidenceCoordsFloor {
		return ConfidenceCoordsFloor
	}
	return c
}

func matched(st crawler.Station, t crawler.MatchType, confidence float64) crawler.MatchResult {
	id := st.ID
	return crawler.MatchResult{
		StationID:   &id,
		MatchType:   t,
		Confidence:  confidence,
		MatchedName: st.Name,
	}
}
