package knowledge

import (
	"strings"

	"github.com/google/uuid"
)

type Decision string

const (
	DecisionNew       Decision = "NEW"
	DecisionDuplicate Decision = "DUPLICATE"
	DecisionConflict  Decision = "CONFLICT"
	DecisionEnhance   Decision = "ENHANCE"
)

func ParseDecision(s string) (Decision, bool) {
	d := Decision(strings.ToUpper(strings.TrimSpace(s)))
	switch d {
	case DecisionNew, DecisionDuplicate, DecisionConflict, DecisionEnhance:
		return d, true
	}
	return "", false
}

type MergeStrategy string

const (
	StrategyCreateNew     MergeStrategy = "CREATE_NEW"
	StrategySkip          MergeStrategy = "SKIP"
	StrategyMerge         MergeStrategy = "MERGE"
	StrategyFlagForReview MergeStrategy = "FLAG_FOR_REVIEW"
)

func ParseMergeStrategy(s string) (MergeStrategy, bool) {
	m := MergeStrategy(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case StrategyCreateNew, StrategySkip, StrategyMerge, StrategyFlagForReview:
		return m, true
	}
	return "", false
}

// DefaultStrategy is the strategy implied by a decision when none (or an
// incompatible one) is supplied. DUPLICATE always maps to SKIP.
func (d Decision) DefaultStrategy() MergeStrategy {
	switch d {
	case DecisionDuplicate:
		return StrategySkip
	case DecisionEnhance:
		return StrategyMerge
	case DecisionConflict:
		return StrategyFlagForReview
	default:
		return StrategyCreateNew
	}
}

// Compatible reports whether s is an acceptable strategy for d.
func (d Decision) Compatible(s MergeStrategy) bool {
	switch d {
	case DecisionNew:
		return s == StrategyCreateNew
	case DecisionDuplicate:
		return s == StrategySkip
	case DecisionEnhance:
		return s == StrategyMerge || s == StrategyFlagForReview
	case DecisionConflict:
		return s == StrategyFlagForReview || s == StrategyMerge || s == StrategyCreateNew
	}
	return false
}

type DecisionSource string

const (
	SourceEmptyPool    DecisionSource = "empty_pool"
	SourceNoCandidates DecisionSource = "no_candidates"
	SourceAdjudicator  DecisionSource = "adjudicator"
	SourceFallback     DecisionSource = "fallback"
	SourceNameKey      DecisionSource = "name_key"
)

// ConflictDecision classifies one candidate against the existing graph. It is
// transient: consumed once by the builder or a review session, never stored as a node.
type ConflictDecision struct {
	ConceptName       string         `json:"concept_name"`
	Decision          Decision       `json:"decision"`
	MergeStrategy     MergeStrategy  `json:"merge_strategy"`
	Confidence        float64        `json:"confidence"`
	MatchedConceptID  *uuid.UUID     `json:"matched_concept_id,omitempty"`
	Reasoning         string         `json:"reasoning,omitempty"`
	UpdatedDefinition string         `json:"updated_definition,omitempty"`
	Similarity        float64        `json:"similarity,omitempty"`
	Source            DecisionSource `json:"source,omitempty"`
}

// New reports whether the decision is the plain create path.
func (d ConflictDecision) New() bool {
	return d.Decision == DecisionNew && d.MergeStrategy == StrategyCreateNew
}
