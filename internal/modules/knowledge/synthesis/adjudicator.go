package synthesis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/similarity"
)

var (
	// ErrMalformedAdjudication marks adjudicator output that cannot be turned into a
	// decision. The resolver treats it exactly like a provider failure.
	ErrMalformedAdjudication = errors.New("malformed adjudication")
	// ErrAdjudicatorUnavailable is returned while the circuit breaker is open.
	ErrAdjudicatorUnavailable = errors.New("adjudicator unavailable")
)

// Adjudicator is the external decision capability: given a candidate and its ranked
// matches it classifies the pair. Output is untrusted and validated before use.
type Adjudicator interface {
	Adjudicate(ctx context.Context, candidate knowledge.ConceptCandidate, matches []similarity.Candidate) (*Adjudication, error)
}

// Adjudication is the raw, unvalidated answer of an Adjudicator.
type Adjudication struct {
	Decision          string  `json:"decision"`
	MergeStrategy     string  `json:"merge_strategy"`
	Confidence        float64 `json:"confidence"`
	MatchedConceptID  string  `json:"matched_concept_id"`
	Reasoning         string  `json:"reasoning"`
	UpdatedDefinition string  `json:"updated_definition"`
}

// validate converts an adjudication into a decision. Recoverable problems (missing or
// incompatible strategy, confidence out of range, missing match id) are corrected;
// anything that cannot be trusted is ErrMalformedAdjudication.
func validate(adj *Adjudication, candidate knowledge.ConceptCandidate, matches []similarity.Candidate) (knowledge.ConflictDecision, error) {
	if adj == nil {
		return knowledge.ConflictDecision{}, fmt.Errorf("%w: empty answer", ErrMalformedAdjudication)
	}
	if len(matches) == 0 {
		return knowledge.ConflictDecision{}, fmt.Errorf("%w: no matches to adjudicate", ErrMalformedAdjudication)
	}
	dec, ok := knowledge.ParseDecision(adj.Decision)
	if !ok {
		return knowledge.ConflictDecision{}, fmt.Errorf("%w: decision %q", ErrMalformedAdjudication, adj.Decision)
	}
	if math.IsNaN(adj.Confidence) || math.IsInf(adj.Confidence, 0) {
		return knowledge.ConflictDecision{}, fmt.Errorf("%w: confidence %v", ErrMalformedAdjudication, adj.Confidence)
	}
	strategy, ok := knowledge.ParseMergeStrategy(adj.MergeStrategy)
	if !ok || !dec.Compatible(strategy) {
		strategy = dec.DefaultStrategy()
	}

	out := knowledge.ConflictDecision{
		ConceptName:   candidate.Name,
		Decision:      dec,
		MergeStrategy: strategy,
		Confidence:    math.Max(0, math.Min(1, adj.Confidence)),
		Reasoning:     strings.TrimSpace(adj.Reasoning),
		Similarity:    matches[0].Similarity,
		Source:        knowledge.SourceAdjudicator,
	}
	if dec == knowledge.DecisionNew {
		return out, nil
	}

	match := &matches[0]
	if raw := strings.TrimSpace(adj.MatchedConceptID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return knowledge.ConflictDecision{}, fmt.Errorf("%w: matched id %q", ErrMalformedAdjudication, raw)
		}
		match = nil
		for i := range matches {
			if matches[i].Concept.ID == id {
				match = &matches[i]
				break
			}
		}
		if match == nil {
			return knowledge.ConflictDecision{}, fmt.Errorf("%w: matched id %s not among candidates", ErrMalformedAdjudication, id)
		}
	}
	id := match.Concept.ID
	out.MatchedConceptID = &id
	out.Similarity = match.Similarity
	if strategy == knowledge.StrategyMerge {
		out.UpdatedDefinition = strings.TrimSpace(adj.UpdatedDefinition)
	}
	return out, nil
}
