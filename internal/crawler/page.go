package crawler

// StampStatus is the availability group a stamp was listed under.
type StampStatus string

// Stamp availability values.
const (
	StampStatusAvailable    StampStatus = "available"
	StampStatusDiscontinued StampStatus = "discontinued"
	StampStatusLimited      StampStatus = "limited"
)

// Shape is the canonical outline of a stamp.
type Shape string

// Canonical stamp shapes.
const (
	ShapeCircle   Shape = "circle"
	ShapeSquare   Shape = "square"
	ShapeHexagon  Shape = "hexagon"
	ShapePentagon Shape = "pentagon"
	ShapeOther    Shape = "other"
)

// Coordinates is a WGS84 latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LocationInfo describes the place a stamp page belongs to, as scraped.
type LocationInfo struct {
	Name        string       `json:"name"`
	NameKana    *string      `json:"nameKana"`
	NameEn      *string      `json:"nameEn"`
	Address     *string      `json:"address"`
	PostalCode  *string      `json:"postalCode"`
	Coordinates *Coordinates `json:"coordinates"`
	CompanyName *string      `json:"companyName"`
	LineName    *string      `json:"lineName"`
	PageURL     string       `json:"pageUrl"`
}

// ScrapedStamp is one stamp record exactly as extracted from markup.
type ScrapedStamp struct {
	Title          string      `json:"title"`
	Description    *string     `json:"description"`
	LocationNote   *string     `json:"locationNote"`
	Size           *string     `json:"size"`
	Color          *string     `json:"color"`
	ImageURL       *string     `json:"imageUrl"`
	Status         StampStatus `json:"status"`
	AvailableFrom  *string     `json:"availableFrom"`
	AvailableUntil *string     `json:"availableUntil"`
	StampedDate    *string     `json:"stampedDate"`
}

// ScrapedPage is the immutable result of parsing one detail page.
type ScrapedPage struct {
	Location LocationInfo   `json:"location"`
	Stamps   []ScrapedStamp `json:"stamps"`
}

// NormalizedStamp pairs the scraped record with its derived canonical fields.
type NormalizedStamp struct {
	Source  ScrapedStamp `json:"source"`
	SizeCm  *string      `json:"sizeCm"`
	Shape   Shape        `json:"shape"`
	ColorEn *string      `json:"colorEn"`
}
