package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralhub/rural-match/internal/ai"
)

type fakeSource struct {
	records []BusinessRecord
	err     error

	mu      sync.Mutex
	filters []CandidateFilter
}

func (f *fakeSource) FindCandidates(_ context.Context, filter CandidateFilter) ([]BusinessRecord, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

// fakeOracle scores candidates with a fixed per-ID table and can fail chosen
// batches. Batches run concurrently, so bookkeeping is locked.
type fakeOracle struct {
	scores map[string]float64
	// failFor makes any batch containing one of these IDs return the error.
	failFor map[string]error

	mu      sync.Mutex
	batches [][]ai.Candidate
	intents []string
}

func (f *fakeOracle) ScoreRelevance(_ context.Context, intent string, batch []ai.Candidate) (map[string]float64, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.intents = append(f.intents, intent)
	f.mu.Unlock()

	out := make(map[string]float64, len(batch))
	for _, c := range batch {
		if err, ok := f.failFor[c.ID]; ok {
			return nil, err
		}
		if s, ok := f.scores[c.ID]; ok {
			out[c.ID] = s
		}
	}
	return out, nil
}

func (f *fakeOracle) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// stalledOracle blocks until the request context expires, simulating an
// unresponsive model backend.
type stalledOracle struct{}

func (stalledOracle) ScoreRelevance(ctx context.Context, _ string, _ []ai.Candidate) (map[string]float64, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// gaugedOracle tracks how many batch calls are in flight at once.
type gaugedOracle struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (g *gaugedOracle) ScoreRelevance(_ context.Context, _ string, batch []ai.Candidate) (map[string]float64, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()

	out := make(map[string]float64, len(batch))
	for _, c := range batch {
		out[c.ID] = 0.5
	}
	return out, nil
}

func pool(n int) []BusinessRecord {
	out := make([]BusinessRecord, n)
	for i := range out {
		out[i] = testBusiness(fmt.Sprintf("b%03d", i))
	}
	return out
}

func request() MatchRequest {
	return MatchRequest{
		User:    testUser(func(u *UserContext) { u.Intent = "somewhere to repair a tractor" }),
		Weights: Weights{Attribute: 0.6, Relevance: 0.4},
	}
}

func TestRecommendStorageFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("disk gone")}
	o := NewOrchestrator(src, nil, Config{}, nil)

	_, err := o.Recommend(context.Background(), request())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestRecommendRejectsInvalidUser(t *testing.T) {
	src := &fakeSource{records: pool(1)}
	o := NewOrchestrator(src, nil, Config{}, nil)

	req := request()
	req.User.Location.Lat = 400
	_, err := o.Recommend(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, src.filters, "validation failures must not hit storage")
}

func TestRecommendEmptyPool(t *testing.T) {
	src := &fakeSource{}
	oracle := &fakeOracle{}
	o := NewOrchestrator(src, oracle, Config{}, nil)

	res, err := o.Recommend(context.Background(), request())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.False(t, res.Degraded)
	assert.Zero(t, oracle.calls())
}

func TestRecommendWithoutIntentSkipsOracle(t *testing.T) {
	src := &fakeSource{records: pool(5)}
	oracle := &fakeOracle{}
	o := NewOrchestrator(src, oracle, Config{}, nil)

	req := request()
	req.User.Intent = "   "
	res, err := o.Recommend(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, oracle.calls())
	assert.False(t, res.Degraded)
	require.Len(t, res.Candidates, 5)
	for _, c := range res.Candidates {
		assert.Nil(t, c.RelevanceScore)
		assert.False(t, c.Degraded)
	}
}

func TestRecommendWithoutOracleDegrades(t *testing.T) {
	src := &fakeSource{records: pool(3)}
	o := NewOrchestrator(src, nil, Config{}, nil)

	res, err := o.Recommend(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	for _, c := range res.Candidates {
		assert.True(t, c.Degraded)
		assert.Contains(t, c.Reasons, ReasonDegraded)
	}
}

func TestRecommendAttributeOnlyRanking(t *testing.T) {
	window := &TimeWindow{Weekday: time.Monday, Start: "10:00", End: "12:00"}

	good := testBusiness("good", func(b *BusinessRecord) {
		b.Category = CategoryFarm
		b.Rating = ratingPtr(5)
		b.Hours = OperatingHours{time.Monday: {Open: "09:00", Close: "17:00"}}
	})
	poor := testBusiness("poor", func(b *BusinessRecord) {
		b.Category = CategoryOther
		b.Rating = ratingPtr(2)
		b.Hours = OperatingHours{time.Monday: {Closed: true}}
	})

	src := &fakeSource{records: []BusinessRecord{poor, good}}
	o := NewOrchestrator(src, nil, Config{}, nil)

	req := request()
	req.User.Intent = ""
	req.User.Preferences.Categories = []Category{CategoryFarm}
	req.User.Preferences.Window = window

	res, err := o.Recommend(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []string{"good", "poor"}, ids(res.Candidates))
	assert.Greater(t, res.Candidates[0].CombinedScore, res.Candidates[1].CombinedScore)
}

func TestRecommendRelevanceRanking(t *testing.T) {
	src := &fakeSource{records: []BusinessRecord{
		testBusiness("hay-barn"),
		testBusiness("machine-shop"),
	}}
	oracle := &fakeOracle{scores: map[string]float64{
		"hay-barn":     0.1,
		"machine-shop": 0.9,
	}}
	o := NewOrchestrator(src, oracle, Config{}, nil)

	res, err := o.Recommend(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)

	// Equal attribute profiles: the oracle decides the order.
	assert.Equal(t, "machine-shop", res.Candidates[0].Business.ID)
	assert.False(t, res.Degraded)
	require.NotNil(t, res.Candidates[0].RelevanceScore)
	assert.Equal(t, 0.9, *res.Candidates[0].RelevanceScore)
}

func TestRecommendBatchesNeverExceedLimit(t *testing.T) {
	src := &fakeSource{records: pool(45)}
	oracle := &fakeOracle{}
	o := NewOrchestrator(src, oracle, Config{BatchSize: 20}, nil)

	req := request()
	req.Limit = 45
	_, err := o.Recommend(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 3, oracle.calls())
	total := 0
	for _, batch := range oracle.batches {
		assert.LessOrEqual(t, len(batch), 20)
		total += len(batch)
	}
	assert.Equal(t, 45, total, "every candidate is sent exactly once")
}

func TestRecommendIsolatesBatchFailures(t *testing.T) {
	src := &fakeSource{records: pool(4)}
	oracle := &fakeOracle{
		scores: map[string]float64{
			"b000": 0.8, "b001": 0.6, "b002": 0.4, "b003": 0.2,
		},
		failFor: map[string]error{
			"b002": fmt.Errorf("batch: %w", ai.ErrTimeout),
		},
	}
	// Batch size 2: [b000 b001] succeeds, [b002 b003] fails.
	o := NewOrchestrator(src, oracle, Config{BatchSize: 2}, nil)

	res, err := o.Recommend(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	require.Len(t, res.Candidates, 4, "a failed batch must not drop its candidates")

	byID := map[string]ScoredCandidate{}
	for _, c := range res.Candidates {
		byID[c.Business.ID] = c
	}
	assert.NotNil(t, byID["b000"].RelevanceScore)
	assert.NotNil(t, byID["b001"].RelevanceScore)
	assert.Nil(t, byID["b002"].RelevanceScore)
	assert.True(t, byID["b002"].Degraded)
	assert.True(t, byID["b003"].Degraded)
}

func TestRecommendAllBatchesFailed(t *testing.T) {
	records := pool(4)
	failAll := map[string]error{}
	for _, b := range records {
		failAll[b.ID] = ai.ErrTransport
	}
	src := &fakeSource{records: records}
	oracle := &fakeOracle{failFor: failAll}
	o := NewOrchestrator(src, oracle, Config{BatchSize: 2}, nil)

	res, err := o.Recommend(context.Background(), request())
	require.NoError(t, err, "total oracle loss still produces a ranking")

	assert.True(t, res.Degraded)
	require.Len(t, res.Candidates, 4)
	for _, c := range res.Candidates {
		assert.True(t, c.Degraded)
		assert.Equal(t, c.AttributeScore, c.CombinedScore)
	}
}

func TestRecommendDeadlineDegradesOutstandingBatches(t *testing.T) {
	src := &fakeSource{records: pool(8)}
	o := NewOrchestrator(src, stalledOracle{}, Config{BatchSize: 2, RequestTimeout: 100 * time.Millisecond}, nil)

	req := request()
	req.Limit = 8

	started := time.Now()
	res, err := o.Recommend(context.Background(), req)
	require.NoError(t, err, "an unresponsive oracle must not fail the request")
	assert.Less(t, time.Since(started), 5*time.Second, "the deadline must bound the whole request")

	assert.True(t, res.Degraded)
	require.Len(t, res.Candidates, 8, "stalled batches must not drop their candidates")
	for _, c := range res.Candidates {
		assert.True(t, c.Degraded)
		assert.Nil(t, c.RelevanceScore)
	}
}

func TestRecommendBoundsOracleConcurrency(t *testing.T) {
	src := &fakeSource{records: pool(8)}
	oracle := &gaugedOracle{}
	o := NewOrchestrator(src, oracle, Config{BatchSize: 1, MaxParallel: 2}, nil)

	req := request()
	req.Limit = 8
	res, err := o.Recommend(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, res.Degraded)
	require.Len(t, res.Candidates, 8)

	assert.GreaterOrEqual(t, oracle.peak, 1)
	assert.LessOrEqual(t, oracle.peak, 2, "batches in flight must never exceed the configured ceiling")
}

func TestRecommendDeterministicForFixedOracle(t *testing.T) {
	src := &fakeSource{records: pool(30)}
	oracle := &fakeOracle{scores: map[string]float64{
		"b003": 0.9, "b017": 0.7, "b024": 0.5,
	}}
	o := NewOrchestrator(src, oracle, Config{BatchSize: 10}, nil)

	first, err := o.Recommend(context.Background(), request())
	require.NoError(t, err)
	second, err := o.Recommend(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, ids(first.Candidates), ids(second.Candidates))
}

func TestRecommendUnsetWeightsUseConfiguredBlend(t *testing.T) {
	src := &fakeSource{records: []BusinessRecord{
		testBusiness("hay-barn"),
		testBusiness("machine-shop"),
	}}
	oracle := &fakeOracle{scores: map[string]float64{
		"hay-barn":     0.1,
		"machine-shop": 0.9,
	}}
	o := NewOrchestrator(src, oracle, Config{Weights: Weights{Attribute: 0.5, Relevance: 0.5}}, nil)

	req := request()
	req.Weights = Weights{}
	res, err := o.Recommend(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)

	// Relevance decided the order, so the configured blend applied instead
	// of the aggregator's zero-weights attribute-only fallback.
	assert.Equal(t, "machine-shop", res.Candidates[0].Business.ID)
	assert.InDelta(t, 0.5*res.Candidates[0].AttributeScore+0.5*0.9, res.Candidates[0].CombinedScore, 1e-9)
}

func TestRecommendAppliesLimits(t *testing.T) {
	src := &fakeSource{records: pool(8)}
	o := NewOrchestrator(src, nil, Config{DefaultLimit: 5}, nil)

	req := request()
	req.User.Intent = ""
	res, err := o.Recommend(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 5, "zero limit falls back to the configured default")

	req.Limit = 3
	res, err = o.Recommend(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 3)

	src.records = pool(1)
	res, err = o.Recommend(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1, "fewer candidates than requested returns all of them")
}

func TestRecommendForwardsPreferenceFilter(t *testing.T) {
	src := &fakeSource{records: pool(1)}
	o := NewOrchestrator(src, nil, Config{}, nil)

	req := request()
	req.User.Intent = ""
	req.User.Preferences.Categories = []Category{CategoryFarm}
	req.User.Preferences.MaxDistanceKm = 12

	_, err := o.Recommend(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, src.filters, 1)
	assert.Equal(t, []Category{CategoryFarm}, src.filters[0].Categories)
	assert.Equal(t, 12.0, src.filters[0].RadiusKm)
	assert.Equal(t, oakvale, src.filters[0].Center)
}

func TestAIMatchesDerivesIntent(t *testing.T) {
	src := &fakeSource{records: pool(2)}
	oracle := &fakeOracle{scores: map[string]float64{"b000": 0.5, "b001": 0.5}}
	o := NewOrchestrator(src, oracle, Config{}, nil)

	req := request()
	req.User.Intent = ""
	req.User.Preferences.Categories = []Category{CategoryFarm}

	res, err := o.AIMatches(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Degraded)

	require.Equal(t, 1, oracle.calls())
	assert.Contains(t, oracle.intents[0], string(CategoryFarm))
}

func TestEconomicOpportunitiesNarrowsPool(t *testing.T) {
	src := &fakeSource{records: []BusinessRecord{
		testBusiness("grant-program", func(b *BusinessRecord) { b.Category = CategoryOpportunity }),
	}}
	o := NewOrchestrator(src, nil, Config{}, nil)

	res, err := o.EconomicOpportunities(context.Background(), testUser())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	require.Len(t, src.filters, 1)
	assert.Equal(t, []Category{CategoryOpportunity}, src.filters[0].Categories)
}

func TestSummarize(t *testing.T) {
	b := testBusiness("b1", func(b *BusinessRecord) {
		b.Name = "Valley Feed & Seed"
		b.Category = CategoryFarm
		b.PriceTier = PriceBudget
		b.Description = "  Stock feed, fencing supplies and seasonal seed.  "
	})

	assert.Equal(t,
		"Valley Feed & Seed (farm), budget: Stock feed, fencing supplies and seasonal seed.",
		Summarize(b),
	)

	bare := testBusiness("b2", func(b *BusinessRecord) {
		b.Name = "Oakvale Hall"
		b.Category = CategoryOther
	})
	assert.Equal(t, "Oakvale Hall (other)", Summarize(bare))
}
