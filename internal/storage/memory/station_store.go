package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

// StationStore is an in-memory crawler.StationFinder. Distances use the
// haversine formula instead of PostGIS.
type StationStore struct {
	mu       sync.RWMutex
	stations []crawler.Station
}

// NewStationStore seeds a store with stations.
func NewStationStore(stations ...crawler.Station) *StationStore {
	s := &StationStore{}
	s.Add(stations...)
	return s
}

// Add appends stations in order. IDs are not checked for uniqueness.
func (s *StationStore) Add(stations ...crawler.Station) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stations {
		s.stations = append(s.stations, cloneStation(st))
	}
}

// FindByName returns stations whose name equals name exactly, ordered by ID.
func (s *StationStore) FindByName(_ context.Context, name string, limit int) ([]crawler.Station, error) {
	return s.filter(limit, func(st crawler.Station) bool {
		return st.Name == name
	}), nil
}

// FindByNameLike returns stations whose name or kana contains fragment,
// case-insensitively.
func (s *StationStore) FindByNameLike(_ context.Context, fragment string, limit int) ([]crawler.Station, error) {
	needle := strings.ToLower(fragment)
	return s.filter(limit, func(st crawler.Station) bool {
		return strings.Contains(strings.ToLower(st.Name), needle) ||
			strings.Contains(strings.ToLower(st.NameKana), needle)
	}), nil
}

// FindNearby returns stations within radiusMeters of the point, nearest first.
func (s *StationStore) FindNearby(
	_ context.Context,
	lat, lon, radiusMeters float64,
	limit int,
) ([]crawler.NearbyStation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	origin := crawler.Coordinates{Lat: lat, Lon: lon}
	out := make([]crawler.NearbyStation, 0)
	for _, st := range s.stations {
		if st.Coordinates == nil {
			continue
		}
		d := crawler.DistanceMeters(origin, *st.Coordinates)
		if d <= radiusMeters {
			out = append(out, crawler.NearbyStation{Station: cloneStation(st), DistanceMeters: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *StationStore) filter(limit int, keep func(crawler.Station) bool) []crawler.Station {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawler.Station, 0)
	for _, st := range s.stations {
		if keep(st) {
			out = append(out, cloneStation(st))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneStation(st crawler.Station) crawler.Station {
	if st.Coordinates != nil {
		c := *st.Coordinates
		st.Coordinates = &c
	}
	return st
}
