package knowledge

import "github.com/google/uuid"

// BuildResult summarises one Graph Builder pass. Counts are best effort: item
// failures are counted, not returned.
type BuildResult struct {
	ConceptsCreated      int         `json:"concepts_created"`
	ConceptsUpdated      int         `json:"concepts_updated"`
	ConceptsSkipped      int         `json:"concepts_skipped"`
	ConceptsFailed       int         `json:"concepts_failed"`
	RelationshipsCreated int         `json:"relationships_created"`
	RelationshipsUpdated int         `json:"relationships_updated"`
	RelationshipsFailed  int         `json:"relationships_failed"`
	DocumentLinked       bool        `json:"document_linked"`
	ConceptIDs           []uuid.UUID `json:"concept_ids"`
}

// MergeResult reports a manual consolidation. Failed maps source id to reason; a failed
// source is left exactly as it was.
type MergeResult struct {
	TargetID   uuid.UUID            `json:"target_id"`
	Merged     []uuid.UUID          `json:"merged"`
	Failed     map[uuid.UUID]string `json:"failed,omitempty"`
	EdgesMoved int                  `json:"edges_moved"`
}
