package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/similarity"
	"github.com/yungbote/graphrecall/internal/platform/logger"
	"github.com/yungbote/graphrecall/internal/platform/openai"
)

const adjudicationSchemaName = "concept_adjudication_v1"

type OpenAIAdjudicator struct {
	ai  openai.Client
	log *logger.Logger
}

func NewOpenAIAdjudicator(ai openai.Client, baseLog *logger.Logger) *OpenAIAdjudicator {
	return &OpenAIAdjudicator{ai: ai, log: baseLog.With("service", "OpenAIAdjudicator")}
}

func (a *OpenAIAdjudicator) Adjudicate(ctx context.Context, candidate knowledge.ConceptCandidate, matches []similarity.Candidate) (*Adjudication, error) {
	system := strings.TrimSpace(strings.Join([]string{
		"You reconcile a newly extracted concept against concepts already in a user's knowledge graph.",
		"Classify the relationship between NEW_CONCEPT and the best of EXISTING_MATCHES:",
		"- NEW: a distinct concept; strategy CREATE_NEW",
		"- DUPLICATE: the same concept, nothing to add; strategy SKIP",
		"- ENHANCE: the same concept, the new definition adds detail; strategy MERGE with updated_definition combining both",
		"- CONFLICT: same name or topic but the definitions contradict; strategy FLAG_FOR_REVIEW",
		"matched_concept_id must be one of the EXISTING_MATCHES ids, or empty for NEW.",
		"Return ONLY JSON matching the schema.",
	}, "\n"))

	type matchView struct {
		ID         string  `json:"id"`
		Name       string  `json:"name"`
		Definition string  `json:"definition"`
		Similarity float64 `json:"similarity"`
	}
	views := make([]matchView, 0, len(matches))
	for _, m := range matches {
		views = append(views, matchView{
			ID:         m.Concept.ID.String(),
			Name:       m.Concept.Name,
			Definition: m.Concept.Definition,
			Similarity: m.Similarity,
		})
	}
	matchJSON, _ := json.Marshal(views)

	user := strings.Join([]string{
		"NEW_CONCEPT:",
		"name: " + candidate.Name,
		"definition: " + defaultString(candidate.Definition, "(none)"),
		"",
		"EXISTING_MATCHES:",
		string(matchJSON),
	}, "\n")

	obj, err := a.ai.GenerateJSON(ctx, system, user, adjudicationSchemaName, adjudicationSchema())
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAdjudication, err)
	}
	var out Adjudication
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAdjudication, err)
	}
	if strings.TrimSpace(out.Decision) == "" {
		return nil, fmt.Errorf("%w: missing decision", ErrMalformedAdjudication)
	}
	return &out, nil
}

func adjudicationSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"decision": map[string]any{
				"type": "string",
				"enum": []any{"NEW", "DUPLICATE", "CONFLICT", "ENHANCE"},
			},
			"merge_strategy": map[string]any{
				"type": "string",
				"enum": []any{"CREATE_NEW", "SKIP", "MERGE", "FLAG_FOR_REVIEW"},
			},
			"confidence":         map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"matched_concept_id": map[string]any{"type": "string"},
			"reasoning":          map[string]any{"type": "string"},
			"updated_definition": map[string]any{"type": "string"},
		},
		"required": []any{"decision", "merge_strategy", "confidence", "matched_concept_id", "reasoning", "updated_definition"},
	}
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
