package graph

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
)

// Store is the persistent, owner-scoped knowledge graph. Every write is an upsert:
// concepts by (owner, name key), edges by (source, target, type), EXPLAINS links by
// (document, concept). Implementations must make those upserts atomic at the store
// level so concurrent writers converge instead of duplicating.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// UpsertConcept creates or updates the node keyed by (OwnerID, NameKey) and reports
	// whether this call created it. Empty definition/domain, zero complexity/confidence
	// and nil embeddings never overwrite stored values. A new node with no confidence
	// is stored at 1.0.
	UpsertConcept(ctx context.Context, c *knowledge.Concept) (uuid.UUID, bool, error)
	GetConcept(ctx context.Context, ownerID, id uuid.UUID) (*knowledge.Concept, error)
	// FindConceptByName returns (nil, nil) when no node carries NormalizeName(name).
	FindConceptByName(ctx context.Context, ownerID uuid.UUID, name string) (*knowledge.Concept, error)
	ListConcepts(ctx context.Context, ownerID uuid.UUID) ([]*knowledge.Concept, error)

	// UpsertRelationship merges a concept edge and reports whether it was created.
	UpsertRelationship(ctx context.Context, ownerID uuid.UUID, rel knowledge.Relationship) (bool, error)
	// ListRelationships returns edges touching conceptID in either direction.
	ListRelationships(ctx context.Context, ownerID, conceptID uuid.UUID) ([]knowledge.Relationship, error)

	UpsertDocument(ctx context.Context, doc knowledge.SourceDocument) error
	// LinkDocument upserts EXPLAINS edges from the document to each concept and returns
	// how many were newly created.
	LinkDocument(ctx context.Context, ownerID, documentID uuid.UUID, conceptIDs []uuid.UUID, relevance float64) (int, error)
	// DocumentLinks returns concept id -> relevance for a document's EXPLAINS edges.
	DocumentLinks(ctx context.Context, ownerID, documentID uuid.UUID) (map[uuid.UUID]float64, error)

	// MergeConcept folds source into target in a single unit: edges rewired, EXPLAINS
	// moved, longer definition kept, source deleted. On error nothing has changed.
	MergeConcept(ctx context.Context, ownerID, targetID, sourceID uuid.UUID) (int, error)
}
