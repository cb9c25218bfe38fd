package matching

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Category classifies a business record in the directory.
type Category string

const (
	CategoryRetail      Category = "retail"
	CategoryService     Category = "service"
	CategoryFarm        Category = "farm"
	CategoryOpportunity Category = "economic-opportunity"
	CategoryOther       Category = "other"
)

// ParseCategory maps a free-form label to a known category, falling back to
// CategoryOther for anything unrecognized.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryRetail:
		return CategoryRetail
	case CategoryService:
		return CategoryService
	case CategoryFarm:
		return CategoryFarm
	case CategoryOpportunity:
		return CategoryOpportunity
	default:
		return CategoryOther
	}
}

// PriceTier is an optional coarse price indicator. The empty string means the
// business did not report one.
type PriceTier string

const (
	PriceBudget   PriceTier = "budget"
	PriceModerate PriceTier = "moderate"
	PricePremium  PriceTier = "premium"
)

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p GeoPoint) validate() error {
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: coordinates out of range: %.4f,%.4f", ErrValidation, p.Lat, p.Lng)
	}
	return nil
}

// DayHours describes a single weekday in a business schedule. Open and Close
// use the "HH:MM" 24h clock format. Closed takes precedence over the times.
type DayHours struct {
	Closed bool   `json:"closed,omitempty"`
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
}

// OperatingHours maps weekdays to schedules. A nil map means the business did
// not publish hours at all; a non-nil map with a weekday missing means the
// business is closed that day.
type OperatingHours map[time.Weekday]DayHours

// Validate checks every published day for parseable times and open < close.
func (h OperatingHours) Validate() error {
	for day, dh := range h {
		if dh.Closed {
			continue
		}
		open, err := parseClock(dh.Open)
		if err != nil {
			return fmt.Errorf("%w: %s open time: %v", ErrValidation, day, err)
		}
		end, err := parseClock(dh.Close)
		if err != nil {
			return fmt.Errorf("%w: %s close time: %v", ErrValidation, day, err)
		}
		if end <= open {
			return fmt.Errorf("%w: %s closes (%s) before it opens (%s)", ErrValidation, day, dh.Close, dh.Open)
		}
	}
	return nil
}

// OpenDuring reports whether the schedule overlaps the given window. Hours
// must be validated first; unparseable days count as closed here.
func (h OperatingHours) OpenDuring(w TimeWindow) bool {
	dh, ok := h[w.Weekday]
	if !ok || dh.Closed {
		return false
	}
	open, err := parseClock(dh.Open)
	if err != nil {
		return false
	}
	end, err := parseClock(dh.Close)
	if err != nil {
		return false
	}
	start, _ := parseClock(w.Start)
	finish, _ := parseClock(w.End)
	return open < finish && end > start
}

// TimeWindow is the interval a user wants a business to be available in.
type TimeWindow struct {
	Weekday time.Weekday `json:"weekday"`
	Start   string       `json:"start"`
	End     string       `json:"end"`
}

// Validate checks the window times for format and ordering.
func (w TimeWindow) Validate() error {
	start, err := parseClock(w.Start)
	if err != nil {
		return fmt.Errorf("%w: window start: %v", ErrValidation, err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return fmt.Errorf("%w: window end: %v", ErrValidation, err)
	}
	if end <= start {
		return fmt.Errorf("%w: window ends (%s) before it starts (%s)", ErrValidation, w.End, w.Start)
	}
	return nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// Preferences are the structured half of a user context.
type Preferences struct {
	Categories    []Category  `json:"categories,omitempty"`
	MaxDistanceKm float64     `json:"max_distance_km,omitempty"`
	Window        *TimeWindow `json:"window,omitempty"`
}

// UserContext carries everything known about the requesting user. It is
// immutable for the duration of a request.
type UserContext struct {
	ID          string      `json:"id"`
	Location    GeoPoint    `json:"location"`
	Intent      string      `json:"intent,omitempty"`
	Preferences Preferences `json:"preferences"`
}

// BusinessRecord is a read-only directory entry handed to the engine by the
// storage collaborator.
type BusinessRecord struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Category    Category       `json:"category"`
	Location    GeoPoint       `json:"location"`
	Hours       OperatingHours `json:"hours,omitempty"`
	Rating      *float64       `json:"rating,omitempty"`
	PriceTier   PriceTier      `json:"price_tier,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Weights configures the attribute/relevance blend. Values need not sum to
// one; the aggregator normalizes them. Both zero means attribute-only.
type Weights struct {
	Attribute float64 `json:"attribute"`
	Relevance float64 `json:"relevance"`
}

// MatchRequest is a single call into the recommendation pipeline.
type MatchRequest struct {
	User    UserContext `json:"user"`
	Limit   int         `json:"limit"`
	Weights Weights     `json:"weights"`
}

// ScoredCandidate is one ranked entry in a match result.
type ScoredCandidate struct {
	Business       BusinessRecord `json:"business"`
	AttributeScore float64        `json:"attribute_score"`
	Subscores      Subscores      `json:"subscores"`
	RelevanceScore *float64       `json:"relevance_score,omitempty"`
	CombinedScore  float64        `json:"combined_score"`
	Reasons        []string       `json:"reasons"`
	Degraded       bool           `json:"degraded,omitempty"`
}

// Result is the ordered outcome of a match request. Degraded is true when at
// least one relevance batch failed and its candidates fell back to
// attribute-only scoring.
type Result struct {
	Candidates []ScoredCandidate `json:"candidates"`
	Degraded   bool              `json:"degraded"`
}
