package knowledge

import "github.com/google/uuid"

type RelationshipType string

const (
	RelRelatedTo    RelationshipType = "RELATED_TO"
	RelPrerequisite RelationshipType = "PREREQUISITE_OF"
	RelSubtopicOf   RelationshipType = "SUBTOPIC_OF"
	RelPartOf       RelationshipType = "PART_OF"
	RelBuildsOn     RelationshipType = "BUILDS_ON"
	RelExplains     RelationshipType = "EXPLAINS" // document -> concept only
)

// ConceptRelationshipTypes are the types allowed between two concepts.
var ConceptRelationshipTypes = []RelationshipType{RelRelatedTo, RelPrerequisite, RelSubtopicOf, RelPartOf, RelBuildsOn}

func (t RelationshipType) Valid() bool {
	switch t {
	case RelRelatedTo, RelPrerequisite, RelSubtopicOf, RelPartOf, RelBuildsOn, RelExplains:
		return true
	default:
		return false
	}
}

// ConceptEdge reports whether t may connect two concept nodes.
func (t RelationshipType) ConceptEdge() bool {
	return t.Valid() && t != RelExplains
}

type Provenance string

const (
	ProvenanceExtraction    Provenance = "extraction"
	ProvenanceConsolidation Provenance = "consolidation"
	ProvenanceUserCreated   Provenance = "user_created"
	ProvenanceMerge         Provenance = "merge"
)

// Relationship is a directed, typed concept-to-concept edge. (SourceID, TargetID, Type)
// is unique; SourceID != TargetID.
type Relationship struct {
	SourceID   uuid.UUID        `json:"source_id"`
	TargetID   uuid.UUID        `json:"target_id"`
	Type       RelationshipType `json:"type"`
	Strength   float64          `json:"strength"`
	Provenance Provenance       `json:"provenance"`
}
