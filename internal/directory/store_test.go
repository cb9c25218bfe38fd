package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralhub/rural-match/internal/matching"
)

var oakvale = matching.GeoPoint{Lat: -33.1, Lng: 149.2}

func openStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func business(id string, opts ...func(*matching.BusinessRecord)) matching.BusinessRecord {
	b := matching.BusinessRecord{
		ID:       id,
		Name:     "Business " + id,
		Category: matching.CategoryRetail,
		Location: oakvale,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func seed(t *testing.T, s *Store, records ...matching.BusinessRecord) {
	t.Helper()
	require.NoError(t, s.UpsertBusinesses(context.Background(), records))
}

func findIDs(t *testing.T, s *Store, f matching.CandidateFilter) []string {
	t.Helper()

	records, err := s.FindCandidates(context.Background(), f)
	require.NoError(t, err)
	out := make([]string, 0, len(records))
	for _, b := range records {
		out = append(out, b.ID)
	}
	return out
}

func TestUpsertAndFindRoundTrip(t *testing.T) {
	s := openStore(t)

	rating := 4.5
	hours := matching.OperatingHours{
		time.Monday: {Open: "09:00", Close: "17:00"},
		time.Sunday: {Closed: true},
	}
	seed(t, s, business("b1", func(b *matching.BusinessRecord) {
		b.Hours = hours
		b.Rating = &rating
		b.PriceTier = matching.PriceModerate
		b.Description = "General store on the main street"
	}))

	records, err := s.FindCandidates(context.Background(), matching.CandidateFilter{Center: oakvale, RadiusKm: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, "b1", got.ID)
	assert.Equal(t, matching.CategoryRetail, got.Category)
	assert.Equal(t, hours, got.Hours)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4.5, *got.Rating)
	assert.Equal(t, matching.PriceModerate, got.PriceTier)
	assert.Equal(t, "General store on the main street", got.Description)
}

func TestUpsertReplacesExisting(t *testing.T) {
	s := openStore(t)

	seed(t, s, business("b1"))
	seed(t, s, business("b1", func(b *matching.BusinessRecord) {
		b.Name = "Renamed"
		b.Category = matching.CategoryService
	}))

	records, err := s.FindCandidates(context.Background(), matching.CandidateFilter{Center: oakvale, RadiusKm: 10})
	require.NoError(t, err)
	require.Len(t, records, 1, "upsert must replace, not duplicate")
	assert.Equal(t, "Renamed", records[0].Name)
	assert.Equal(t, matching.CategoryService, records[0].Category)
}

func TestFindCandidatesRadius(t *testing.T) {
	s := openStore(t)

	seed(t, s,
		business("near"),
		// ~22km north.
		business("edge", func(b *matching.BusinessRecord) {
			b.Location = matching.GeoPoint{Lat: oakvale.Lat + 0.2, Lng: oakvale.Lng}
		}),
		// ~111km north.
		business("far", func(b *matching.BusinessRecord) {
			b.Location = matching.GeoPoint{Lat: oakvale.Lat + 1, Lng: oakvale.Lng}
		}),
	)

	got := findIDs(t, s, matching.CandidateFilter{Center: oakvale, RadiusKm: 50})
	assert.Equal(t, []string{"edge", "near"}, got)

	got = findIDs(t, s, matching.CandidateFilter{Center: oakvale, RadiusKm: 5})
	assert.Equal(t, []string{"near"}, got)
}

func TestFindCandidatesCategoryFilter(t *testing.T) {
	s := openStore(t)

	seed(t, s,
		business("shop"),
		business("plumber", func(b *matching.BusinessRecord) { b.Category = matching.CategoryService }),
		business("orchard", func(b *matching.BusinessRecord) { b.Category = matching.CategoryFarm }),
	)

	got := findIDs(t, s, matching.CandidateFilter{
		Center:     oakvale,
		RadiusKm:   10,
		Categories: []matching.Category{matching.CategoryFarm, matching.CategoryService},
	})
	assert.Equal(t, []string{"orchard", "plumber"}, got)

	got = findIDs(t, s, matching.CandidateFilter{Center: oakvale, RadiusKm: 10})
	assert.Len(t, got, 3, "no categories means no category filter")
}

func TestFindCandidatesOpenDuring(t *testing.T) {
	s := openStore(t)

	seed(t, s,
		business("weekday", func(b *matching.BusinessRecord) {
			b.Hours = matching.OperatingHours{time.Monday: {Open: "09:00", Close: "17:00"}}
		}),
		business("weekend", func(b *matching.BusinessRecord) {
			b.Hours = matching.OperatingHours{time.Saturday: {Open: "08:00", Close: "12:00"}}
		}),
		business("unlisted"),
	)

	window := matching.TimeWindow{Weekday: time.Monday, Start: "10:00", End: "11:00"}
	got := findIDs(t, s, matching.CandidateFilter{Center: oakvale, RadiusKm: 10, OpenDuring: &window})

	// Businesses without published hours pass the filter.
	assert.Equal(t, []string{"unlisted", "weekday"}, got)
}

func TestRecordReviewUpdatesRating(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seed(t, s, business("b1"))

	require.NoError(t, s.RecordReview(ctx, Review{BusinessID: "b1", UserID: "u1", Rating: 5, Comment: "great"}))
	require.NoError(t, s.RecordReview(ctx, Review{BusinessID: "b1", UserID: "u2", Rating: 3}))

	records, err := s.FindCandidates(ctx, matching.CandidateFilter{Center: oakvale, RadiusKm: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Rating)
	assert.InDelta(t, 4.0, *records[0].Rating, 1e-9)
}

func TestRecordReviewValidatesRating(t *testing.T) {
	s := openStore(t)

	err := s.RecordReview(context.Background(), Review{BusinessID: "b1", Rating: 7})
	assert.ErrorIs(t, err, matching.ErrValidation)
}

func TestCategoryCounts(t *testing.T) {
	s := openStore(t)

	seed(t, s,
		business("b1"),
		business("b2"),
		business("b3", func(b *matching.BusinessRecord) { b.Category = matching.CategoryFarm }),
	)

	counts, err := s.CategoryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[matching.Category]int{
		matching.CategoryRetail: 2,
		matching.CategoryFarm:   1,
	}, counts)
}
