package matching

import (
	"fmt"
	"sort"
)

// Human-readable reasons attached to ranked candidates.
const (
	ReasonClose     = "close to you"
	ReasonInterests = "matches your interests"
	ReasonOpen      = "open when you need it"
	ReasonRated     = "highly rated"
	ReasonRelevant  = "relevant to your request"
	ReasonDegraded  = "ranked without AI relevance"
)

// A reason is attached only when its signal contributes noticeably to the
// combined score.
const reasonThreshold = 0.1

// Partial is a candidate that has been attribute-scored and, when the oracle
// succeeded for its batch, relevance-scored. Degraded marks candidates whose
// relevance was requested but lost to a batch failure.
type Partial struct {
	Business       BusinessRecord
	AttributeScore float64
	Subscores      Subscores
	RelevanceScore *float64
	Degraded       bool
}

// Aggregator folds partial scores into the final ranked list. It is pure:
// identical inputs produce identical output.
type Aggregator struct {
	attrWeight float64
	relWeight  float64
}

// NewAggregator normalizes the configured weights to sum to one. Both zero
// falls back to attribute-only scoring; negative weights are rejected.
func NewAggregator(w Weights) (*Aggregator, error) {
	if w.Attribute < 0 || w.Relevance < 0 {
		return nil, fmt.Errorf("%w: negative weight (attribute=%.2f relevance=%.2f)", ErrValidation, w.Attribute, w.Relevance)
	}
	sum := w.Attribute + w.Relevance
	if sum == 0 {
		return &Aggregator{attrWeight: 1}, nil
	}
	return &Aggregator{
		attrWeight: w.Attribute / sum,
		relWeight:  w.Relevance / sum,
	}, nil
}

// Combine scores, annotates, sorts and truncates the candidate list. When
// fewer than limit candidates exist all of them are returned; limit <= 0
// means no truncation.
func (a *Aggregator) Combine(partials []Partial, limit int) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, len(partials))
	for _, p := range partials {
		out = append(out, a.score(p))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		ri, rj := tieRating(out[i].Business), tieRating(out[j].Business)
		if ri != rj {
			return ri > rj
		}
		return out[i].Business.ID < out[j].Business.ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (a *Aggregator) score(p Partial) ScoredCandidate {
	c := ScoredCandidate{
		Business:       p.Business,
		AttributeScore: p.AttributeScore,
		Subscores:      p.Subscores,
		RelevanceScore: p.RelevanceScore,
		Degraded:       p.Degraded,
	}

	if p.RelevanceScore != nil {
		c.CombinedScore = a.attrWeight*p.AttributeScore + a.relWeight**p.RelevanceScore
	} else {
		// Without a relevance signal the attribute score stands alone
		// rather than being scaled down by its weight.
		c.CombinedScore = p.AttributeScore
	}

	c.Reasons = a.reasons(p)
	return c
}

type contribution struct {
	reason string
	value  float64
}

// reasons orders explanation strings by how much each signal contributed to
// the combined score, always emitting at least the dominant one.
func (a *Aggregator) reasons(p Partial) []string {
	attrWeight := a.attrWeight
	if p.RelevanceScore == nil {
		attrWeight = 1
	}

	contribs := []contribution{
		{ReasonClose, attrWeight * subWeightDistance * p.Subscores.Distance},
		{ReasonInterests, attrWeight * subWeightCategory * p.Subscores.Category},
		{ReasonOpen, attrWeight * subWeightAvailability * p.Subscores.Availability},
		{ReasonRated, attrWeight * subWeightRating * p.Subscores.Rating},
	}
	if p.RelevanceScore != nil {
		contribs = append(contribs, contribution{ReasonRelevant, a.relWeight * *p.RelevanceScore})
	}

	sort.SliceStable(contribs, func(i, j int) bool {
		return contribs[i].value > contribs[j].value
	})

	reasons := make([]string, 0, len(contribs)+1)
	for i, c := range contribs {
		if i == 0 || c.value >= reasonThreshold {
			reasons = append(reasons, c.reason)
		}
	}
	if p.Degraded {
		reasons = append(reasons, ReasonDegraded)
	}
	return reasons
}

// tieRating breaks combined-score ties by actual rating; unrated businesses
// sort after every rated one.
func tieRating(b BusinessRecord) float64 {
	if b.Rating == nil {
		return -1
	}
	return *b.Rating
}
