// Package directory is the sqlite-backed business directory behind the
// matching engine's storage collaborator interface.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ruralhub/rural-match/internal/matching"
)

// Store manages the business directory database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Review is a user rating of a business, recorded as a pass-through by the
// platform's review surface.
type Review struct {
	BusinessID string
	UserID     string
	Rating     float64
	Comment    string
	CreatedAt  time.Time
}

// Open opens or creates the directory database at path and ensures the
// schema exists. Use ":memory:" for tests.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening directory database: %w", err)
	}

	s := &Store{db: db, logger: log}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS businesses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			hours TEXT,
			rating REAL,
			price_tier TEXT,
			description TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_businesses_location ON businesses(lat, lng)`,
		`CREATE INDEX IF NOT EXISTS idx_businesses_category ON businesses(category)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			business_id TEXT NOT NULL REFERENCES businesses(id),
			user_id TEXT,
			rating REAL NOT NULL,
			comment TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertBusinesses inserts or replaces directory entries in one transaction.
func (s *Store) UpsertBusinesses(ctx context.Context, records []matching.BusinessRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO businesses (id, name, category, lat, lng, hours, rating, price_tier, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			lat = excluded.lat,
			lng = excluded.lng,
			hours = excluded.hours,
			rating = excluded.rating,
			price_tier = excluded.price_tier,
			description = excluded.description`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range records {
		hours, err := marshalHours(b.Hours)
		if err != nil {
			return fmt.Errorf("business %s: %w", b.ID, err)
		}

		var rating sql.NullFloat64
		if b.Rating != nil {
			rating = sql.NullFloat64{Float64: *b.Rating, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, b.ID, b.Name, string(b.Category), b.Location.Lat, b.Location.Lng,
			hours, rating, string(b.PriceTier), b.Description); err != nil {
			return fmt.Errorf("upsert business %s: %w", b.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}

	s.logger.Debug("businesses upserted", zap.Int("count", len(records)))
	return nil
}

// FindCandidates implements matching.CandidateSource. The SQL side does the
// coarse work (bounding box + category); the precise radius and availability
// checks happen here on the narrowed rows.
func (s *Store) FindCandidates(ctx context.Context, f matching.CandidateFilter) ([]matching.BusinessRecord, error) {
	query := `SELECT id, name, category, lat, lng, hours, rating, price_tier, description
		FROM businesses WHERE lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?`

	minLat, maxLat, minLng, maxLng := boundingBox(f.Center, f.RadiusKm)
	args := []any{minLat, maxLat, minLng, maxLng}

	if len(f.Categories) > 0 {
		query += ` AND category IN (?` + strings.Repeat(",?", len(f.Categories)-1) + `)`
		for _, c := range f.Categories {
			args = append(args, string(c))
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []matching.BusinessRecord
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, err
		}
		if matching.HaversineKm(f.Center, b.Location) > f.RadiusKm {
			continue
		}
		if f.OpenDuring != nil && b.Hours != nil && !b.Hours.OpenDuring(*f.OpenDuring) {
			continue
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordReview stores the review and folds it into the business rating.
func (s *Store) RecordReview(ctx context.Context, r Review) error {
	if r.Rating < 0 || r.Rating > 5 {
		return fmt.Errorf("%w: review rating %.2f out of range", matching.ErrValidation, r.Rating)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reviews (business_id, user_id, rating, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.BusinessID, r.UserID, r.Rating, r.Comment, r.CreatedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("insert review: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE businesses SET rating = (SELECT AVG(rating) FROM reviews WHERE business_id = ?) WHERE id = ?`,
		r.BusinessID, r.BusinessID); err != nil {
		return fmt.Errorf("update business rating: %w", err)
	}

	return tx.Commit()
}

// CategoryCounts reports how many businesses the directory holds per
// category, the pass-through analytics surface.
func (s *Store) CategoryCounts(ctx context.Context) (map[matching.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM businesses GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("query category counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[matching.Category]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[matching.Category(category)] = n
	}
	return counts, rows.Err()
}

func scanBusiness(rows *sql.Rows) (matching.BusinessRecord, error) {
	var b matching.BusinessRecord
	var category, priceTier string
	var hours sql.NullString
	var rating sql.NullFloat64

	if err := rows.Scan(&b.ID, &b.Name, &category, &b.Location.Lat, &b.Location.Lng,
		&hours, &rating, &priceTier, &b.Description); err != nil {
		return b, fmt.Errorf("scan business: %w", err)
	}

	b.Category = matching.Category(category)
	b.PriceTier = matching.PriceTier(priceTier)
	if rating.Valid {
		v := rating.Float64
		b.Rating = &v
	}
	if hours.Valid && hours.String != "" {
		if err := json.Unmarshal([]byte(hours.String), &b.Hours); err != nil {
			return b, fmt.Errorf("business %s: unmarshal hours: %w", b.ID, err)
		}
	}
	return b, nil
}

func marshalHours(h matching.OperatingHours) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal hours: %w", err)
	}
	return data, nil
}

// boundingBox converts a radius around a point into latitude/longitude
// bounds. One degree of latitude is ~111km; longitude shrinks with latitude.
func boundingBox(center matching.GeoPoint, radiusKm float64) (minLat, maxLat, minLng, maxLng float64) {
	latDelta := radiusKm / 111.0
	lngDelta := latDelta
	if cos := math.Cos(center.Lat * math.Pi / 180); cos > 0.01 {
		lngDelta = latDelta / cos
	} else {
		// Near the poles every longitude is close; do not divide by ~0.
		lngDelta = 180
	}
	return center.Lat - latDelta, center.Lat + latDelta, center.Lng - lngDelta, center.Lng + lngDelta
}
