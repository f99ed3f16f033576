package graphbuild

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/graphrecall/internal/data/graph"
	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	apperr "github.com/yungbote/graphrecall/internal/pkg/errors"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

type Config struct {
	PrerequisiteStrength float64
	RelatedStrength      float64
	SubtopicStrength     float64
	// RelationStrength applies to typed relations that carry no strength of their own.
	RelationStrength  float64
	DocumentRelevance float64
}

func (c Config) withDefaults() Config {
	if c.PrerequisiteStrength <= 0 {
		c.PrerequisiteStrength = 0.9
	}
	if c.RelatedStrength <= 0 {
		c.RelatedStrength = 0.7
	}
	if c.SubtopicStrength <= 0 {
		c.SubtopicStrength = 0.8
	}
	if c.RelationStrength <= 0 {
		c.RelationStrength = 0.7
	}
	if c.DocumentRelevance <= 0 {
		c.DocumentRelevance = 0.8
	}
	return c
}

// Builder is the only writer of the knowledge graph. Every write it issues is an
// upsert, so re-running a batch converges on the same graph.
type Builder struct {
	store graph.Store
	cfg   Config
	log   *logger.Logger
}

func NewBuilder(store graph.Store, cfg Config, baseLog *logger.Logger) *Builder {
	return &Builder{store: store, cfg: cfg.withDefaults(), log: baseLog.With("service", "GraphBuilder")}
}

type edgeKey struct {
	from uuid.UUID
	to   uuid.UUID
	typ  knowledge.RelationshipType
}

// Build materializes candidates according to their decisions. Item failures are
// logged and counted; only a missing owner is returned as an error.
func (b *Builder) Build(ctx context.Context, ownerID uuid.UUID, concepts []knowledge.ConceptCandidate, decisions []knowledge.ConflictDecision, documentID uuid.UUID) (knowledge.BuildResult, error) {
	var res knowledge.BuildResult
	if ownerID == uuid.Nil {
		return res, fmt.Errorf("build graph: owner required: %w", apperr.ErrInvalidArgument)
	}
	log := b.log.With("owner_id", ownerID.String())

	cands := make([]knowledge.ConceptCandidate, len(concepts))
	for i := range concepts {
		cands[i] = concepts[i]
		cands[i].Sanitize()
	}
	byName := indexDecisions(decisions)

	ids := make([]uuid.UUID, len(cands))
	lookup := map[string]uuid.UUID{}
	seen := map[uuid.UUID]bool{}
	for i := range cands {
		c := &cands[i]
		key := c.NameKey()
		if key == "" {
			res.ConceptsFailed++
			log.Warn("skipping concept with empty name", "index", i)
			continue
		}
		d := decisionFor(i, key, decisions, byName)

		id, outcome, err := b.resolveConcept(ctx, ownerID, c, d)
		switch {
		case err != nil:
			res.ConceptsFailed++
			log.Warn("concept write failed", "concept", c.Name, "strategy", d.MergeStrategy, "error", err)
			continue
		case outcome == outcomeSkipped:
			res.ConceptsSkipped++
		case outcome == outcomeCreated:
			res.ConceptsCreated++
		default:
			res.ConceptsUpdated++
		}
		if id == uuid.Nil {
			continue
		}
		ids[i] = id
		if _, ok := lookup[key]; !ok {
			lookup[key] = id
		}
		if !seen[id] {
			seen[id] = true
			res.ConceptIDs = append(res.ConceptIDs, id)
		}
	}

	b.wireRelationships(ctx, log, ownerID, cands, ids, lookup, &res)

	if documentID != uuid.Nil && len(res.ConceptIDs) > 0 {
		// The document node is upserted bare so callers that never registered it still
		// get links; an existing title and summary are kept.
		err := b.store.UpsertDocument(ctx, knowledge.SourceDocument{ID: documentID, OwnerID: ownerID})
		if err == nil {
			_, err = b.store.LinkDocument(ctx, ownerID, documentID, res.ConceptIDs, b.cfg.DocumentRelevance)
		}
		if err != nil {
			log.Warn("document link failed; concepts kept", "document_id", documentID, "error", err)
		} else {
			res.DocumentLinked = true
		}
	}

	log.Info("graph build complete",
		"created", res.ConceptsCreated,
		"updated", res.ConceptsUpdated,
		"skipped", res.ConceptsSkipped,
		"failed", res.ConceptsFailed,
		"relationships_created", res.RelationshipsCreated,
		"relationships_failed", res.RelationshipsFailed,
	)
	return res, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCreated
	outcomeUpdated
)

func (b *Builder) resolveConcept(ctx context.Context, ownerID uuid.UUID, c *knowledge.ConceptCandidate, d knowledge.ConflictDecision) (uuid.UUID, outcome, error) {
	node := &knowledge.Concept{
		OwnerID:    ownerID,
		Name:       c.Name,
		Definition: c.Definition,
		Domain:     c.Domain,
		Complexity: c.Complexity,
		Confidence: c.Confidence,
		Embedding:  c.Embedding,
	}

	switch d.MergeStrategy {
	case knowledge.StrategySkip:
		if d.MatchedConceptID == nil || *d.MatchedConceptID == uuid.Nil {
			return uuid.Nil, outcomeSkipped, nil
		}
		return *d.MatchedConceptID, outcomeSkipped, nil

	case knowledge.StrategyMerge:
		if d.UpdatedDefinition != "" {
			node.Definition = d.UpdatedDefinition
		}
		// An enhancement targets the matched node; writing under its name keeps the
		// identity key and avoids a near-duplicate under the candidate's spelling.
		if d.MatchedConceptID != nil {
			matched, err := b.store.GetConcept(ctx, ownerID, *d.MatchedConceptID)
			switch {
			case err == nil:
				node.Name = matched.Name
			case errors.Is(err, apperr.ErrNotFound):
				b.log.Debug("merge target vanished; upserting by candidate name", "concept", c.Name, "matched_id", *d.MatchedConceptID)
			default:
				return uuid.Nil, 0, err
			}
		}
	}

	id, created, err := b.store.UpsertConcept(ctx, node)
	if err != nil {
		return uuid.Nil, 0, err
	}
	if created {
		return id, outcomeCreated, nil
	}
	return id, outcomeUpdated, nil
}

func (b *Builder) wireRelationships(ctx context.Context, log *logger.Logger, ownerID uuid.UUID, cands []knowledge.ConceptCandidate, ids []uuid.UUID, lookup map[string]uuid.UUID, res *knowledge.BuildResult) {
	resolved := map[string]uuid.UUID{}
	resolve := func(name string) uuid.UUID {
		key := knowledge.NormalizeName(name)
		if id, ok := lookup[key]; ok {
			return id
		}
		if id, ok := resolved[key]; ok {
			return id
		}
		var id uuid.UUID
		c, err := b.store.FindConceptByName(ctx, ownerID, name)
		if err != nil {
			log.Warn("relationship target lookup failed", "name", name, "error", err)
		} else if c != nil {
			id = c.ID
		}
		resolved[key] = id
		return id
	}

	done := map[edgeKey]bool{}
	upsert := func(from, to uuid.UUID, typ knowledge.RelationshipType, strength float64) {
		if from == uuid.Nil || to == uuid.Nil || from == to {
			return
		}
		k := edgeKey{from: from, to: to, typ: typ}
		if done[k] {
			return
		}
		done[k] = true
		created, err := b.store.UpsertRelationship(ctx, ownerID, knowledge.Relationship{
			SourceID:   from,
			TargetID:   to,
			Type:       typ,
			Strength:   strength,
			Provenance: knowledge.ProvenanceExtraction,
		})
		switch {
		case err != nil:
			res.RelationshipsFailed++
			log.Warn("relationship write failed", "type", typ, "from", from, "to", to, "error", err)
		case created:
			res.RelationshipsCreated++
		default:
			res.RelationshipsUpdated++
		}
	}

	for i := range cands {
		self := ids[i]
		if self == uuid.Nil {
			continue
		}
		c := &cands[i]
		for _, p := range c.Prerequisites {
			upsert(resolve(p), self, knowledge.RelPrerequisite, b.cfg.PrerequisiteStrength)
		}
		for _, r := range c.Related {
			upsert(self, resolve(r), knowledge.RelRelatedTo, b.cfg.RelatedStrength)
		}
		if c.Parent != "" {
			upsert(self, resolve(c.Parent), knowledge.RelSubtopicOf, b.cfg.SubtopicStrength)
		}
		for _, s := range c.Subtopics {
			upsert(resolve(s), self, knowledge.RelSubtopicOf, b.cfg.SubtopicStrength)
		}
		for _, rel := range c.Relations {
			strength := rel.Strength
			if strength <= 0 {
				strength = b.cfg.RelationStrength
			}
			upsert(self, resolve(rel.Target), rel.Type, strength)
		}
	}
}

func indexDecisions(decisions []knowledge.ConflictDecision) map[string]knowledge.ConflictDecision {
	out := make(map[string]knowledge.ConflictDecision, len(decisions))
	for _, d := range decisions {
		key := knowledge.NormalizeName(d.ConceptName)
		if _, ok := out[key]; !ok && key != "" {
			out[key] = d
		}
	}
	return out
}

// decisionFor prefers the positional decision when it names the same concept, then
// any decision for the same name key, then a plain create.
func decisionFor(i int, key string, decisions []knowledge.ConflictDecision, byName map[string]knowledge.ConflictDecision) knowledge.ConflictDecision {
	if i < len(decisions) && knowledge.NormalizeName(decisions[i].ConceptName) == key {
		return decisions[i]
	}
	if d, ok := byName[key]; ok {
		return d
	}
	return knowledge.ConflictDecision{Decision: knowledge.DecisionNew, MergeStrategy: knowledge.StrategyCreateNew}
}

// Merge folds each source concept into target. Sources fail independently: a failed
// source is reported and left untouched, merged ones are gone.
func (b *Builder) Merge(ctx context.Context, ownerID, targetID uuid.UUID, sourceIDs []uuid.UUID) (knowledge.MergeResult, error) {
	res := knowledge.MergeResult{TargetID: targetID, Failed: map[uuid.UUID]string{}}
	if ownerID == uuid.Nil || targetID == uuid.Nil {
		return res, fmt.Errorf("merge concepts: owner and target required: %w", apperr.ErrInvalidArgument)
	}
	if _, err := b.store.GetConcept(ctx, ownerID, targetID); err != nil {
		return res, fmt.Errorf("merge concepts: target %s: %w", targetID, err)
	}
	log := b.log.With("owner_id", ownerID.String(), "target_id", targetID.String())

	seen := map[uuid.UUID]bool{}
	for _, src := range sourceIDs {
		if seen[src] {
			continue
		}
		seen[src] = true
		if src == targetID {
			res.Failed[src] = "source is the merge target"
			continue
		}
		moved, err := b.store.MergeConcept(ctx, ownerID, targetID, src)
		if err != nil {
			log.Warn("concept merge failed; source left intact", "source_id", src, "error", err)
			res.Failed[src] = err.Error()
			continue
		}
		res.Merged = append(res.Merged, src)
		res.EdgesMoved += moved
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	log.Info("concept merge complete", "merged", len(res.Merged), "failed", len(res.Failed), "edges_moved", res.EdgesMoved)
	return res, nil
}
