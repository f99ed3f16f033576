package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	apperr "github.com/yungbote/graphrecall/internal/pkg/errors"
)

type edgeKey struct {
	from uuid.UUID
	to   uuid.UUID
	typ  knowledge.RelationshipType
}

type linkKey struct {
	doc     uuid.UUID
	concept uuid.UUID
}

type identityKey struct {
	owner uuid.UUID
	name  string
}

// MemoryStore is a process-local Store. One mutex guards everything, which is what
// makes its upserts and merges atomic.
type MemoryStore struct {
	mu       sync.Mutex
	concepts map[uuid.UUID]*knowledge.Concept
	byKey    map[identityKey]uuid.UUID
	edges    map[edgeKey]knowledge.Relationship
	docs     map[uuid.UUID]knowledge.SourceDocument
	links    map[linkKey]float64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		concepts: map[uuid.UUID]*knowledge.Concept{},
		byKey:    map[identityKey]uuid.UUID{},
		edges:    map[edgeKey]knowledge.Relationship{},
		docs:     map[uuid.UUID]knowledge.SourceDocument{},
		links:    map[linkKey]float64{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStore) UpsertConcept(ctx context.Context, c *knowledge.Concept) (uuid.UUID, bool, error) {
	if c == nil || c.OwnerID == uuid.Nil {
		return uuid.Nil, false, fmt.Errorf("upsert concept: owner required: %w", apperr.ErrInvalidArgument)
	}
	key := knowledge.NormalizeName(c.Name)
	if key == "" {
		return uuid.Nil, false, fmt.Errorf("upsert concept: empty name: %w", apperr.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return uuid.Nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ik := identityKey{owner: c.OwnerID, name: key}
	if id, ok := s.byKey[ik]; ok {
		cur := s.concepts[id]
		cur.Name = c.Name
		if c.Definition != "" {
			cur.Definition = c.Definition
		}
		if c.Domain != "" {
			cur.Domain = c.Domain
		}
		if c.Complexity > 0 {
			cur.Complexity = c.Complexity
		}
		if c.Confidence > 0 {
			cur.Confidence = c.Confidence
		}
		if len(c.Embedding) > 0 {
			cur.Embedding = append([]float32(nil), c.Embedding...)
		}
		cur.UpdatedAt = now
		return id, false, nil
	}

	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	stored := *c
	stored.ID = id
	stored.NameKey = key
	if stored.Confidence <= 0 {
		stored.Confidence = knowledge.MaxConfidence
	}
	stored.Embedding = append([]float32(nil), c.Embedding...)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.concepts[id] = &stored
	s.byKey[ik] = id
	return id, true, nil
}

func (s *MemoryStore) GetConcept(ctx context.Context, ownerID, id uuid.UUID) (*knowledge.Concept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.concepts[id]
	if !ok || c.OwnerID != ownerID {
		return nil, apperr.ErrConceptNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) FindConceptByName(ctx context.Context, ownerID uuid.UUID, name string) (*knowledge.Concept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[identityKey{owner: ownerID, name: knowledge.NormalizeName(name)}]
	if !ok {
		return nil, nil
	}
	cp := *s.concepts[id]
	return &cp, nil
}

func (s *MemoryStore) ListConcepts(ctx context.Context, ownerID uuid.UUID) ([]*knowledge.Concept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*knowledge.Concept, 0)
	for _, c := range s.concepts {
		if c.OwnerID != ownerID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameKey < out[j].NameKey })
	return out, nil
}

func (s *MemoryStore) UpsertRelationship(ctx context.Context, ownerID uuid.UUID, rel knowledge.Relationship) (bool, error) {
	if err := validateRelationship(rel); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ownsLocked(ownerID, rel.SourceID) || !s.ownsLocked(ownerID, rel.TargetID) {
		return false, apperr.ErrConceptNotFound
	}
	k := edgeKey{from: rel.SourceID, to: rel.TargetID, typ: rel.Type}
	_, existed := s.edges[k]
	s.edges[k] = rel
	return !existed, nil
}

func (s *MemoryStore) ListRelationships(ctx context.Context, ownerID, conceptID uuid.UUID) ([]knowledge.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ownsLocked(ownerID, conceptID) {
		return nil, apperr.ErrConceptNotFound
	}
	out := make([]knowledge.Relationship, 0)
	for k, rel := range s.edges {
		if k.from == conceptID || k.to == conceptID {
			out = append(out, rel)
		}
	}
	sortRelationships(out)
	return out, nil
}

func (s *MemoryStore) UpsertDocument(ctx context.Context, doc knowledge.SourceDocument) error {
	if doc.ID == uuid.Nil || doc.OwnerID == uuid.Nil {
		return fmt.Errorf("upsert document: id and owner required: %w", apperr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[doc.ID]; ok {
		if cur.OwnerID != doc.OwnerID {
			return fmt.Errorf("upsert document %s: owned by another user: %w", doc.ID, apperr.ErrInvalidArgument)
		}
		if doc.Title == "" {
			doc.Title = cur.Title
		}
		if doc.Summary == "" {
			doc.Summary = cur.Summary
		}
	}
	s.docs[doc.ID] = doc
	return nil
}

func (s *MemoryStore) LinkDocument(ctx context.Context, ownerID, documentID uuid.UUID, conceptIDs []uuid.UUID, relevance float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok || doc.OwnerID != ownerID {
		return 0, fmt.Errorf("link document %s: %w", documentID, apperr.ErrNotFound)
	}
	created := 0
	for _, cid := range conceptIDs {
		if !s.ownsLocked(ownerID, cid) {
			continue
		}
		k := linkKey{doc: documentID, concept: cid}
		if _, ok := s.links[k]; !ok {
			created++
		}
		s.links[k] = relevance
	}
	return created, nil
}

func (s *MemoryStore) DocumentLinks(ctx context.Context, ownerID, documentID uuid.UUID) (map[uuid.UUID]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok || doc.OwnerID != ownerID {
		return nil, fmt.Errorf("document %s: %w", documentID, apperr.ErrNotFound)
	}
	out := map[uuid.UUID]float64{}
	for k, v := range s.links {
		if k.doc == documentID {
			out[k.concept] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) MergeConcept(ctx context.Context, ownerID, targetID, sourceID uuid.UUID) (int, error) {
	if targetID == sourceID {
		return 0, fmt.Errorf("merge concept: source equals target: %w", apperr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.concepts[targetID]
	if !ok || target.OwnerID != ownerID {
		return 0, fmt.Errorf("merge target %s: %w", targetID, apperr.ErrConceptNotFound)
	}
	source, ok := s.concepts[sourceID]
	if !ok || source.OwnerID != ownerID {
		return 0, fmt.Errorf("merge source %s: %w", sourceID, apperr.ErrConceptNotFound)
	}

	// Plan the whole rewrite before touching state so a bad edge aborts cleanly.
	type move struct {
		old edgeKey
		new edgeKey
		rel knowledge.Relationship
	}
	var moves []move
	for k, rel := range s.edges {
		if k.from != sourceID && k.to != sourceID {
			continue
		}
		if !k.typ.ConceptEdge() {
			return 0, fmt.Errorf("merge source %s: unsupported edge type %q", sourceID, k.typ)
		}
		nk := k
		if nk.from == sourceID {
			nk.from = targetID
		}
		if nk.to == sourceID {
			nk.to = targetID
		}
		moves = append(moves, move{old: k, new: nk, rel: rel})
	}

	moved := 0
	for _, m := range moves {
		delete(s.edges, m.old)
		if m.new.from == m.new.to {
			continue
		}
		rel := m.rel
		rel.SourceID, rel.TargetID = m.new.from, m.new.to
		if cur, ok := s.edges[m.new]; ok {
			if cur.Strength >= rel.Strength {
				rel = cur
			} else {
				rel.Provenance = cur.Provenance
			}
		}
		s.edges[m.new] = rel
		moved++
	}
	for k, relevance := range s.links {
		if k.concept != sourceID {
			continue
		}
		delete(s.links, k)
		nk := linkKey{doc: k.doc, concept: targetID}
		if cur, ok := s.links[nk]; !ok || relevance > cur {
			s.links[nk] = relevance
		}
		moved++
	}

	if len(source.Definition) > len(target.Definition) {
		target.Definition = source.Definition
	}
	target.UpdatedAt = s.now()
	delete(s.byKey, identityKey{owner: ownerID, name: source.NameKey})
	delete(s.concepts, sourceID)
	return moved, nil
}

func (s *MemoryStore) ownsLocked(ownerID, id uuid.UUID) bool {
	c, ok := s.concepts[id]
	return ok && c.OwnerID == ownerID
}

func validateRelationship(rel knowledge.Relationship) error {
	if !rel.Type.ConceptEdge() {
		return fmt.Errorf("relationship type %q: %w", rel.Type, apperr.ErrInvalidArgument)
	}
	if rel.SourceID == uuid.Nil || rel.TargetID == uuid.Nil {
		return fmt.Errorf("relationship endpoints required: %w", apperr.ErrInvalidArgument)
	}
	if rel.SourceID == rel.TargetID {
		return fmt.Errorf("self relationship on %s: %w", rel.SourceID, apperr.ErrInvalidArgument)
	}
	return nil
}

func sortRelationships(rels []knowledge.Relationship) {
	sort.Slice(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		if a.SourceID != b.SourceID {
			return a.SourceID.String() < b.SourceID.String()
		}
		if a.TargetID != b.TargetID {
			return a.TargetID.String() < b.TargetID.String()
		}
		return a.Type < b.Type
	})
}
