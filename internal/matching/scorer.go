package matching

import (
	"fmt"
	"math"
)

// DefaultMaxDistanceKm bounds the distance decay when the user did not
// configure a maximum.
const DefaultMaxDistanceKm = 50.0

// Fixed internal weights for the attribute blend.
const (
	subWeightDistance     = 0.35
	subWeightCategory     = 0.25
	subWeightAvailability = 0.20
	subWeightRating       = 0.20
)

// Off-category businesses keep a floor score so strong relevance can still
// surface them.
const offCategoryScore = 0.3

// Rating absence is scored neutrally, not as a bottom rating.
const neutralRatingScore = 0.5

// Subscores are the four structured signals behind an attribute score, each
// in [0,1].
type Subscores struct {
	Distance     float64 `json:"distance"`
	Category     float64 `json:"category"`
	Availability float64 `json:"availability"`
	Rating       float64 `json:"rating"`
}

// Weighted folds the subscores into a single attribute score using the fixed
// internal weights. The result stays in [0,1] by construction.
func (s Subscores) Weighted() float64 {
	return s.Distance*subWeightDistance +
		s.Category*subWeightCategory +
		s.Availability*subWeightAvailability +
		s.Rating*subWeightRating
}

// ScoreAttributes computes the deterministic attribute score for one business
// against a user context. It performs no I/O; the only failure mode is
// malformed input, reported as ErrValidation.
func ScoreAttributes(user UserContext, b BusinessRecord) (float64, Subscores, error) {
	if err := validateContext(user); err != nil {
		return 0, Subscores{}, err
	}
	if err := validateBusiness(b); err != nil {
		return 0, Subscores{}, err
	}

	maxDist := user.Preferences.MaxDistanceKm
	if maxDist == 0 {
		maxDist = DefaultMaxDistanceKm
	}

	sub := Subscores{
		Distance:     distanceScore(HaversineKm(user.Location, b.Location), maxDist),
		Category:     categoryScore(user.Preferences.Categories, b.Category),
		Availability: availabilityScore(user.Preferences.Window, b.Hours),
		Rating:       ratingScore(b.Rating),
	}

	return sub.Weighted(), sub, nil
}

func validateContext(user UserContext) error {
	if err := user.Location.validate(); err != nil {
		return fmt.Errorf("user %s: %w", user.ID, err)
	}
	if user.Preferences.MaxDistanceKm < 0 {
		return fmt.Errorf("user %s: %w: negative max distance %.2f", user.ID, ErrValidation, user.Preferences.MaxDistanceKm)
	}
	if w := user.Preferences.Window; w != nil {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("user %s: %w", user.ID, err)
		}
	}
	return nil
}

func validateBusiness(b BusinessRecord) error {
	if err := b.Location.validate(); err != nil {
		return fmt.Errorf("business %s: %w", b.ID, err)
	}
	if err := b.Hours.Validate(); err != nil {
		return fmt.Errorf("business %s: %w", b.ID, err)
	}
	if b.Rating != nil && (*b.Rating < 0 || *b.Rating > 5) {
		return fmt.Errorf("business %s: %w: rating %.2f out of range", b.ID, ErrValidation, *b.Rating)
	}
	return nil
}

// distanceScore decays linearly from 1.0 at distance zero to 0.0 at maxDist.
// Candidates beyond maxDist are excluded upstream, but the clamp keeps the
// score well-formed regardless.
func distanceScore(distKm, maxDist float64) float64 {
	if maxDist <= 0 {
		return 0
	}
	score := 1 - distKm/maxDist
	if score < 0 {
		return 0
	}
	return score
}

func categoryScore(preferred []Category, c Category) float64 {
	if len(preferred) == 0 {
		return 1
	}
	for _, p := range preferred {
		if p == c {
			return 1
		}
	}
	return offCategoryScore
}

// availabilityScore treats an unspecified window or unpublished hours as
// available; only an explicit closed schedule scores zero.
func availabilityScore(w *TimeWindow, hours OperatingHours) float64 {
	if w == nil || hours == nil {
		return 1
	}
	if hours.OpenDuring(*w) {
		return 1
	}
	return 0
}

func ratingScore(rating *float64) float64 {
	if rating == nil {
		return neutralRatingScore
	}
	return *rating / 5
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points in
// kilometers.
func HaversineKm(a, b GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
