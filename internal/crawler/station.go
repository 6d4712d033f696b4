package crawler

// Station is a canonical railway station record owned by the ingestion side.
type Station struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	NameKana     string       `json:"name_kana,omitempty"`
	PrefectureID int          `json:"prefecture_id,omitempty"`
	Coordinates  *Coordinates `json:"coordinates,omitempty"`
}

// NearbyStation is a Station annotated with its great-circle distance from a
// query point.
type NearbyStation struct {
	Station
	DistanceMeters float64 `json:"distance_meters"`
}

// MatchType names the strategy that produced a MatchResult.
type MatchType string

// Match strategies in cascade order, plus the inconclusive result.
const (
	MatchExactName   MatchType = "exact_name"
	MatchFuzzyName   MatchType = "fuzzy_name"
	MatchCoordinates MatchType = "coordinates"
	MatchNone        MatchType = "none"
)

// MatchResult links a scraped location to a canonical station with a
// confidence in [0,1].
type MatchResult struct {
	StationID   *int64    `json:"stationId"`
	MatchType   MatchType `json:"matchType"`
	Confidence  float64   `json:"confidence"`
	MatchedName string    `json:"matchedName,omitempty"`
}

// NoMatch is the result when no strategy is conclusive.
func NoMatch() MatchResult {
	return MatchResult{MatchType: MatchNone, Confidence: 0}
}
