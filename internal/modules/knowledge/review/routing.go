package review

import (
	"fmt"
	"strings"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeAlways Mode = "always"
	ModeNever  Mode = "never"
)

const DefaultReviewConfidence = 0.85

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeAlways, ModeNever:
		return m, nil
	}
	return "", fmt.Errorf("unknown review mode %q", s)
}

// NeedsReview decides whether an ingestion run goes through a human before the graph
// is written. In auto mode a run is held for any conflict, any flagged item, or any
// non-new decision the resolver was unsure about.
func NeedsReview(mode Mode, decisions []knowledge.ConflictDecision, threshold float64) bool {
	switch mode {
	case ModeAlways:
		return len(decisions) > 0
	case ModeNever:
		return false
	}
	if threshold <= 0 {
		threshold = DefaultReviewConfidence
	}
	for _, d := range decisions {
		if d.Decision == knowledge.DecisionConflict || d.MergeStrategy == knowledge.StrategyFlagForReview {
			return true
		}
		if d.Decision != knowledge.DecisionNew && d.Confidence < threshold {
			return true
		}
	}
	return false
}
