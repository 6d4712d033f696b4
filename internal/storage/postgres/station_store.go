package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

const stationColumns = `id, name, name_kana, prefecture_id, ST_Y(location) AS lat, ST_X(location) AS lon`

// queryPoint builds a geography point from ($lat, $lon) placeholders.
const queryPoint = `ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography`

// StationStore answers matcher queries against the canonical station table.
// Distances are geodesic (PostGIS geography).
type StationStore struct {
	pool Pool
}

// NewStationStore constructs a StationStore from an existing pool.
func NewStationStore(pool Pool) (*StationStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StationStore{pool: pool}, nil
}

// FindByName returns stations whose name equals name exactly.
func (s *StationStore) FindByName(ctx context.Context, name string, limit int) ([]crawler.Station, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+stationColumns+`
FROM station
WHERE name = $1
ORDER BY id
LIMIT $2`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("find station by name: %w", err)
	}
	return collectStations(rows)
}

// FindByNameLike returns stations whose name or kana contains fragment,
// case-insensitively.
func (s *StationStore) FindByNameLike(ctx context.Context, fragment string, limit int) ([]crawler.Station, error) {
	pattern := "%" + escapeLike(fragment) + "%"
	rows, err := s.pool.Query(ctx, `
SELECT `+stationColumns+`
FROM station
WHERE name ILIKE $1 OR name_kana ILIKE $1
ORDER BY id
LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("find station by fragment: %w", err)
	}
	return collectStations(rows)
}

// FindNearby returns stations within radiusMeters of (lat, lon), nearest first.
func (s *StationStore) FindNearby(
	ctx context.Context,
	lat, lon, radiusMeters float64,
	limit int,
) ([]crawler.NearbyStation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+stationColumns+`, ST_Distance(location::geography, `+queryPoint+`) AS distance
FROM station
WHERE location IS NOT NULL
  AND ST_DWithin(location::geography, `+queryPoint+`, $3)
ORDER BY distance
LIMIT $4`, lat, lon, radiusMeters, limit)
	if err != nil {
		return nil, fmt.Errorf("find nearby stations: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.NearbyStation, 0)
	for rows.Next() {
		var (
			st       crawler.NearbyStation
			lat, lon *float64
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.NameKana, &st.PrefectureID, &lat, &lon, &st.DistanceMeters); err != nil {
			return nil, fmt.Errorf("scan nearby station: %w", err)
		}
		st.Coordinates = coordinates(lat, lon)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find nearby stations: %w", err)
	}
	return out, nil
}

func collectStations(rows pgx.Rows) ([]crawler.Station, error) {
	defer rows.Close()
	out := make([]crawler.Station, 0)
	for rows.Next() {
		var (
			st       crawler.Station
			lat, lon *float64
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.NameKana, &st.PrefectureID, &lat, &lon); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		st.Coordinates = coordinates(lat, lon)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stations: %w", err)
	}
	return out, nil
}

func coordinates(lat, lon *float64) *crawler.Coordinates {
	if lat == nil || lon == nil {
		return nil
	}
	return &crawler.Coordinates{Lat: *lat, Lon: *lon}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
