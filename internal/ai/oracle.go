package ai

import (
	"context"
	"errors"
)

// Oracle failure kinds. All of them collapse to a failed batch in the
// pipeline; none is fatal to a match request.
var (
	ErrTimeout   = errors.New("oracle timeout")
	ErrTransport = errors.New("oracle transport failure")
	ErrParse     = errors.New("oracle response parse failure")
	// ErrBatchTooLarge marks a caller bug: batches must be chunked before
	// reaching the oracle.
	ErrBatchTooLarge = errors.New("oracle batch too large")
)

// Candidate is the compact per-business payload sent to the relevance oracle.
type Candidate struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// RelevanceOracle scores how well each candidate in a batch matches a
// free-text intent. Implementations own timeout, retry and fallback policy
// and issue exactly one external call per batch. An empty intent skips the
// call and returns no scores. Returned scores are in [0,1]; candidates the
// oracle did not score are simply absent from the map.
type RelevanceOracle interface {
	ScoreRelevance(ctx context.Context, intent string, batch []Candidate) (map[string]float64, error)
}
