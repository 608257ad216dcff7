package incident

import "time"

// Category is roadwatch's own incident taxonomy, independent of the feed's
// type and subtype tags.
type Category string

const (
	CategoryAccident       Category = "accident"
	CategoryClosure        Category = "closure"
	CategoryPothole        Category = "pothole"
	CategoryStoppedVehicle Category = "stopped_vehicle"
	CategoryConstruction   Category = "construction"
	CategoryHazard         Category = "hazard"
	CategoryCongestion     Category = "congestion"
	CategoryOther          Category = "other"
)

// Status tracks where a stored incident is in its lifecycle.
type Status string

const (
	// StatusActive means the incident was present in a recent snapshot
	StatusActive Status = "active"

	// StatusCleared means the incident has been missing from the feed for
	// longer than the grace window
	StatusCleared Status = "cleared"
)

// Feed type tags.
const (
	TypeAccident   = "ACCIDENT"
	TypeRoadClosed = "ROAD_CLOSED"
	TypeHazard     = "HAZARD"
	TypeJam        = "JAM"
)

// Location is the feed's point, x = longitude and y = latitude.
type Location struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// RawReport is one alert as delivered by the feed. It only lives for the
// duration of a single ingestion cycle.
type RawReport struct {
	UUID                     string    `json:"uuid"`
	Type                     string    `json:"type"`
	Subtype                  *string   `json:"subtype,omitempty"`
	Country                  *string   `json:"country,omitempty"`
	City                     *string   `json:"city,omitempty"`
	Street                   *string   `json:"street,omitempty"`
	RoadType                 *int      `json:"roadType,omitempty"`
	Magvar                   *int      `json:"magvar,omitempty"`
	ReportRating             *int      `json:"reportRating,omitempty"`
	ReportByMunicipalityUser *string   `json:"reportByMunicipalityUser,omitempty"`
	Confidence               *int      `json:"confidence,omitempty"`
	Reliability              *int      `json:"reliability,omitempty"`
	PubMillis                int64     `json:"pubMillis"`
	Location                 *Location `json:"location,omitempty"`
}

// Point is a WGS-84 longitude/latitude pair.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Incident is the normalized, persisted unit. ID is the feed's stable uuid
// and the reconciliation key.
type Incident struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Subtype         *string  `json:"subtype"`
	City            *string  `json:"city"`
	Street          *string  `json:"street"`
	RoadType        *int     `json:"road_type"`
	Heading         *int     `json:"heading"`
	ReportRating    *int     `json:"report_rating"`
	Confidence      *int     `json:"confidence"`
	Reliability     *int     `json:"reliability"`
	MunicipalReport bool     `json:"municipal_report"`
	PublishedAt     int64    `json:"published_at"`
	Position        Point    `json:"position"`
	Category        Category `json:"category"`
	Priority        int      `json:"priority"`
}

// Clone returns a copy of the incident that shares no pointers with it.
func (inc Incident) Clone() Incident {
	inc.Subtype = clone(inc.Subtype)
	inc.City = clone(inc.City)
	inc.Street = clone(inc.Street)
	inc.RoadType = clone(inc.RoadType)
	inc.Heading = clone(inc.Heading)
	inc.ReportRating = clone(inc.ReportRating)
	inc.Confidence = clone(inc.Confidence)
	inc.Reliability = clone(inc.Reliability)
	return inc
}

// Record is an Incident as stored, with the lifecycle fields the store owns.
type Record struct {
	Incident
	Source    string    `json:"source"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Incident = r.Incident.Clone()
	return r
}
