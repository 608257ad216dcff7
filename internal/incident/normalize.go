package incident

import "strings"

// Priority ranks, 1 is the most urgent.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// interestingTypes is the allow-list of feed type tags roadwatch ingests.
var interestingTypes = map[string]struct{}{
	TypeAccident:   {},
	TypeRoadClosed: {},
	TypeHazard:     {},
	TypeJam:        {},
}

type categoryRule struct {
	match    func(typ, subtype string) bool
	category Category
}

// categoryRules is evaluated top to bottom and the first match wins.
// Anything that falls through is CategoryOther.
var categoryRules = []categoryRule{
	{isType(TypeAccident), CategoryAccident},
	{isType(TypeRoadClosed), CategoryClosure},
	{hazardSubtype("POT_HOLE"), CategoryPothole},
	{hazardSubtype("CAR_STOPPED"), CategoryStoppedVehicle},
	{hazardSubtype("CONSTRUCTION"), CategoryConstruction},
	{isType(TypeHazard), CategoryHazard},
	{isType(TypeJam), CategoryCongestion},
}

var priorities = map[Category]int{
	CategoryAccident:       1,
	CategoryClosure:        2,
	CategoryHazard:         3,
	CategoryStoppedVehicle: 3,
	CategoryConstruction:   3,
	CategoryPothole:        3,
	CategoryCongestion:     4,
}

func isType(want string) func(string, string) bool {
	return func(typ, _ string) bool { return typ == want }
}

func hazardSubtype(fragment string) func(string, string) bool {
	return func(typ, subtype string) bool {
		return typ == TypeHazard && strings.Contains(subtype, fragment)
	}
}

// InferCategory maps a feed (type, subtype) pair onto a Category. A nil
// subtype is treated as the empty string.
func InferCategory(typ string, subtype *string) Category {
	st := ""
	if subtype != nil {
		st = *subtype
	}
	for _, r := range categoryRules {
		if r.match(typ, st) {
			return r.category
		}
	}
	return CategoryOther
}

// InferPriority returns the rank for a category. Categories without an
// explicit rank (other) get PriorityLowest.
func InferPriority(c Category) int {
	if p, ok := priorities[c]; ok {
		return p
	}
	return PriorityLowest
}

// ParseMunicipalFlag reports whether the feed's municipal-user flag is set.
// Only the literal string "true" counts; nil and every other value are false.
func ParseMunicipalFlag(v *string) bool {
	return v != nil && *v == "true"
}

// Interesting reports whether a feed type tag is on the ingest allow-list.
func Interesting(typ string) bool {
	_, ok := interestingTypes[typ]
	return ok
}

// Normalize converts a raw feed report into an Incident. The second return
// is false when the report is not of interest: its type is not on the
// allow-list, or it has no complete position.
func Normalize(r RawReport) (Incident, bool) {
	if !Interesting(r.Type) {
		return Incident{}, false
	}
	if r.Location == nil || r.Location.X == nil || r.Location.Y == nil {
		return Incident{}, false
	}

	category := InferCategory(r.Type, r.Subtype)

	return Incident{
		ID:              r.UUID,
		Type:            r.Type,
		Subtype:         clone(r.Subtype),
		City:            clone(r.City),
		Street:          clone(r.Street),
		RoadType:        clone(r.RoadType),
		Heading:         clone(r.Magvar),
		ReportRating:    clone(r.ReportRating),
		Confidence:      clone(r.Confidence),
		Reliability:     clone(r.Reliability),
		MunicipalReport: ParseMunicipalFlag(r.ReportByMunicipalityUser),
		PublishedAt:     r.PubMillis,
		Position:        Point{Lon: *r.Location.X, Lat: *r.Location.Y},
		Category:        category,
		Priority:        InferPriority(category),
	}, true
}

// clone copies the pointee so a normalized Incident never aliases the report
// it came from.
func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
