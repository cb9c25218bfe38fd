package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ruralhub/rural-match/internal/ai"
	"github.com/ruralhub/rural-match/internal/metrics"
)

// CandidateFilter is the coarse pre-filter handed to the storage collaborator
// so that fine scoring never runs over the entire catalog.
type CandidateFilter struct {
	Center     GeoPoint
	RadiusKm   float64
	Categories []Category
	OpenDuring *TimeWindow
}

// CandidateSource is the storage collaborator the engine pulls its candidate
// pool from. The engine never persists anything through it.
type CandidateSource interface {
	FindCandidates(ctx context.Context, f CandidateFilter) ([]BusinessRecord, error)
}

// Config carries the per-orchestrator scoring policy. It is passed in at
// construction so concurrent requests with different policies never
// interfere.
type Config struct {
	// Weights is the default attribute/relevance blend, used when a request
	// does not set its own.
	Weights Weights
	// BatchSize caps candidates per oracle call.
	BatchSize int
	// MaxParallel bounds oracle batches in flight for one request.
	MaxParallel int
	// RequestTimeout bounds the whole request; outstanding batches past the
	// deadline count as failed rather than blocking the caller.
	RequestTimeout time.Duration
	// DefaultLimit is the result count used when a request asks for none.
	DefaultLimit int
}

const (
	defaultBatchSize      = 20
	defaultMaxParallel    = 4
	defaultRequestTimeout = 15 * time.Second
	defaultResultLimit    = 10
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = defaultResultLimit
	}
	return c
}

// Orchestrator is the public entry point of the recommendation engine. A nil
// oracle disables relevance scoring entirely.
type Orchestrator struct {
	source CandidateSource
	oracle ai.RelevanceOracle
	cfg    Config
	logger *zap.Logger
}

func NewOrchestrator(source CandidateSource, oracle ai.RelevanceOracle, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		source: source,
		oracle: oracle,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Recommend runs the full pipeline for a match request. Relevance scoring is
// used when the user stated an intent and an oracle is configured.
func (o *Orchestrator) Recommend(ctx context.Context, req MatchRequest) (*Result, error) {
	return o.run(ctx, "recommend", req, false, req.User.Preferences.Categories)
}

// AIMatches forces relevance scoring: when the user gave no free-text intent
// one is derived from the structured preferences.
func (o *Orchestrator) AIMatches(ctx context.Context, req MatchRequest) (*Result, error) {
	return o.run(ctx, "ai_matches", req, true, req.User.Preferences.Categories)
}

// EconomicOpportunities narrows the candidate pool to the
// economic-opportunity category before running the same pipeline.
func (o *Orchestrator) EconomicOpportunities(ctx context.Context, user UserContext) (*Result, error) {
	req := MatchRequest{User: user, Limit: o.cfg.DefaultLimit, Weights: o.cfg.Weights}
	return o.run(ctx, "opportunities", req, false, []Category{CategoryOpportunity})
}

func (o *Orchestrator) run(ctx context.Context, op string, req MatchRequest, forceRelevance bool, poolCategories []Category) (*Result, error) {
	metrics.MatchRequests.WithLabelValues(op).Inc()

	requestID := uuid.NewString()
	log := o.logger.With(zap.String("request_id", requestID), zap.String("operation", op))
	started := time.Now()

	if err := validateContext(req.User); err != nil {
		return nil, err
	}

	weights := req.Weights
	if weights.Attribute == 0 && weights.Relevance == 0 {
		weights = o.cfg.Weights
	}
	agg, err := NewAggregator(weights)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	radius := req.User.Preferences.MaxDistanceKm
	if radius <= 0 {
		radius = DefaultMaxDistanceKm
	}

	candidates, err := o.source.FindCandidates(ctx, CandidateFilter{
		Center:     req.User.Location,
		RadiusKm:   radius,
		Categories: poolCategories,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: find candidates: %v", ErrStorageUnavailable, err)
	}

	log.Info("candidate pool retrieved",
		zap.Int("candidates", len(candidates)),
		zap.Float64("radius_km", radius),
	)

	if len(candidates) == 0 {
		return &Result{Candidates: []ScoredCandidate{}}, nil
	}

	partials := make([]Partial, len(candidates))
	for i, b := range candidates {
		attr, sub, err := ScoreAttributes(req.User, b)
		if err != nil {
			return nil, err
		}
		partials[i] = Partial{Business: b, AttributeScore: attr, Subscores: sub}
	}

	intent := strings.TrimSpace(req.User.Intent)
	if intent == "" && forceRelevance {
		intent = derivedIntent(req.User.Preferences)
	}

	degraded := false
	switch {
	case intent == "":
		// Attribute-only by design: calling the oracle without an intent
		// wastes cost and returns noise.
	case o.oracle == nil:
		degraded = true
		for i := range partials {
			partials[i].Degraded = true
		}
		log.Warn("relevance scoring requested but no oracle is configured")
	default:
		scores, anyFailed := o.scoreRelevance(ctx, log, intent, candidates)
		degraded = anyFailed
		for i := range partials {
			if s, ok := scores[partials[i].Business.ID]; ok {
				v := s
				partials[i].RelevanceScore = &v
			} else {
				partials[i].Degraded = true
			}
		}
	}

	ranked := agg.Combine(partials, limit)

	if degraded {
		metrics.MatchRequestsDegraded.Inc()
	}

	log.Info("match request completed",
		zap.Int("results", len(ranked)),
		zap.Bool("degraded", degraded),
		zap.Duration("elapsed", time.Since(started)),
	)

	return &Result{Candidates: ranked, Degraded: degraded}, nil
}

// scoreRelevance chunks the pool into oracle batches and dispatches them with
// bounded concurrency. Batch failures are isolated: the merged map simply
// lacks those candidates and the caller degrades them.
func (o *Orchestrator) scoreRelevance(ctx context.Context, log *zap.Logger, intent string, candidates []BusinessRecord) (map[string]float64, bool) {
	batches := chunk(toOracleCandidates(candidates), o.cfg.BatchSize)

	results := make([]map[string]float64, len(batches))
	failures := make([]error, len(batches))

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxParallel)
	for i, batch := range batches {
		g.Go(func() error {
			started := time.Now()
			metrics.OracleBatches.Inc()

			scores, err := o.oracle.ScoreRelevance(ctx, intent, batch)
			metrics.OracleBatchDuration.Observe(time.Since(started).Seconds())
			if err != nil {
				failures[i] = err
				metrics.OracleBatchFailures.WithLabelValues(failureKind(err)).Inc()
				log.Warn("relevance batch failed",
					zap.Int("batch", i),
					zap.Int("batch_size", len(batch)),
					zap.Error(err),
				)
				return nil
			}

			results[i] = scores
			log.Debug("relevance batch scored",
				zap.Int("batch", i),
				zap.Int("batch_size", len(batch)),
				zap.Int("scored", len(scores)),
				zap.Duration("elapsed", time.Since(started)),
			)
			return nil
		})
	}
	// Batch errors are recorded per slot, never returned.
	_ = g.Wait()

	merged := make(map[string]float64)
	anyFailed := false
	for i := range batches {
		if failures[i] != nil {
			anyFailed = true
			continue
		}
		for id, score := range results[i] {
			merged[id] = score
		}
	}
	return merged, anyFailed
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ai.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ai.ErrParse):
		return "parse"
	default:
		return "transport"
	}
}

func toOracleCandidates(records []BusinessRecord) []ai.Candidate {
	out := make([]ai.Candidate, len(records))
	for i, b := range records {
		out[i] = ai.Candidate{ID: b.ID, Summary: Summarize(b)}
	}
	return out
}

func chunk(candidates []ai.Candidate, size int) [][]ai.Candidate {
	var batches [][]ai.Candidate
	for len(candidates) > size {
		batches = append(batches, candidates[:size])
		candidates = candidates[size:]
	}
	return append(batches, candidates)
}

const summaryDescriptionLimit = 240

// Summarize renders the compact single-line description of a business sent
// to the relevance oracle.
func Summarize(b BusinessRecord) string {
	var sb strings.Builder
	sb.WriteString(b.Name)
	sb.WriteString(" (")
	sb.WriteString(string(b.Category))
	sb.WriteString(")")
	if b.PriceTier != "" {
		sb.WriteString(", ")
		sb.WriteString(string(b.PriceTier))
	}
	if desc := strings.TrimSpace(b.Description); desc != "" {
		sb.WriteString(": ")
		runes := []rune(desc)
		if len(runes) > summaryDescriptionLimit {
			desc = string(runes[:summaryDescriptionLimit]) + "..."
		}
		sb.WriteString(desc)
	}
	return sb.String()
}

func derivedIntent(p Preferences) string {
	if len(p.Categories) == 0 {
		return "useful local businesses and resources nearby"
	}
	labels := make([]string, len(p.Categories))
	for i, c := range p.Categories {
		labels[i] = string(c)
	}
	return fmt.Sprintf("local businesses in these categories: %s", strings.Join(labels, ", "))
}
