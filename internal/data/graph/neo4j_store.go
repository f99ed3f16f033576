package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	apperr "github.com/yungbote/graphrecall/internal/pkg/errors"
	"github.com/yungbote/graphrecall/internal/platform/logger"
	"github.com/yungbote/graphrecall/internal/platform/neo4jdb"
)

// Neo4jStore keeps concepts as (:Concept) nodes and documents as (:SourceDocument)
// nodes. The composite uniqueness constraint on (owner_id, name_key) is what turns
// MERGE into a race-free upsert across concurrent ingestion runs.
type Neo4jStore struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewNeo4jStore(client *neo4jdb.Client, baseLog *logger.Logger) (*Neo4jStore, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("neo4j store: client required")
	}
	return &Neo4jStore{client: client, log: baseLog.With("store", "Neo4jGraph")}, nil
}

var schemaStatements = []string{
	`CREATE CONSTRAINT concept_owner_name_unique IF NOT EXISTS FOR (c:Concept) REQUIRE (c.owner_id, c.name_key) IS UNIQUE`,
	`CREATE CONSTRAINT concept_id_unique IF NOT EXISTS FOR (c:Concept) REQUIRE c.id IS UNIQUE`,
	`CREATE CONSTRAINT source_document_id_unique IF NOT EXISTS FOR (d:SourceDocument) REQUIRE d.id IS UNIQUE`,
	`CREATE INDEX concept_owner_idx IF NOT EXISTS FOR (c:Concept) ON (c.owner_id)`,
}

// EnsureSchema creates constraints. The owner/name constraint is required; losing it
// would let concurrent MERGEs duplicate nodes, so its failure is returned.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)
	for i, stmt := range schemaStatements {
		res, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			if i == 0 {
				return fmt.Errorf("neo4j schema init: %w", err)
			}
			s.log.Warn("neo4j schema init failed (continuing)", "statement", i, "error", err)
		}
	}
	return nil
}

func (s *Neo4jStore) UpsertConcept(ctx context.Context, c *knowledge.Concept) (uuid.UUID, bool, error) {
	if c == nil || c.OwnerID == uuid.Nil {
		return uuid.Nil, false, fmt.Errorf("upsert concept: owner required: %w", apperr.ErrInvalidArgument)
	}
	key := knowledge.NormalizeName(c.Name)
	if key == "" {
		return uuid.Nil, false, fmt.Errorf("upsert concept: empty name: %w", apperr.ErrInvalidArgument)
	}
	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	token := uuid.NewString()
	params := map[string]any{
		"owner_id":   c.OwnerID.String(),
		"name_key":   key,
		"id":         id.String(),
		"token":      token,
		"name":       c.Name,
		"definition": c.Definition,
		"domain":     c.Domain,
		"complexity": c.Complexity,
		"confidence": c.Confidence,
		"embedding":  toFloat64s(c.Embedding),
		"now":        nowString(),
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (c:Concept {owner_id: $owner_id, name_key: $name_key})
ON CREATE SET c.id = $id, c.created_at = $now, c.create_token = $token
SET c.name = $name,
    c.definition = CASE WHEN $definition <> '' THEN $definition ELSE coalesce(c.definition, '') END,
    c.domain = CASE WHEN $domain <> '' THEN $domain ELSE coalesce(c.domain, '') END,
    c.complexity = CASE WHEN $complexity > 0 THEN $complexity ELSE coalesce(c.complexity, 0.0) END,
    c.confidence = CASE WHEN $confidence > 0 THEN $confidence ELSE coalesce(c.confidence, 1.0) END,
    c.embedding = CASE WHEN size($embedding) > 0 THEN $embedding ELSE c.embedding END,
    c.updated_at = $now
RETURN c.id AS id, c.create_token = $token AS created
`, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("upsert concept %q: %w", key, err)
	}
	rec := out.(*neo4j.Record)
	gotID, err := uuid.Parse(recString(rec, "id"))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("upsert concept %q: bad id: %w", key, err)
	}
	return gotID, recBool(rec, "created"), nil
}

const conceptReturn = `
RETURN c.id AS id, c.owner_id AS owner_id, c.name AS name, c.name_key AS name_key,
       c.definition AS definition, c.domain AS domain, c.complexity AS complexity,
       c.confidence AS confidence, c.embedding AS embedding,
       c.created_at AS created_at, c.updated_at AS updated_at`

func (s *Neo4jStore) GetConcept(ctx context.Context, ownerID, id uuid.UUID) (*knowledge.Concept, error) {
	list, err := s.readConcepts(ctx, `MATCH (c:Concept {owner_id: $owner_id, id: $id})`+conceptReturn, map[string]any{
		"owner_id": ownerID.String(),
		"id":       id.String(),
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperr.ErrConceptNotFound
	}
	return list[0], nil
}

func (s *Neo4jStore) FindConceptByName(ctx context.Context, ownerID uuid.UUID, name string) (*knowledge.Concept, error) {
	list, err := s.readConcepts(ctx, `MATCH (c:Concept {owner_id: $owner_id, name_key: $name_key})`+conceptReturn, map[string]any{
		"owner_id": ownerID.String(),
		"name_key": knowledge.NormalizeName(name),
	})
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (s *Neo4jStore) ListConcepts(ctx context.Context, ownerID uuid.UUID) ([]*knowledge.Concept, error) {
	return s.readConcepts(ctx, `MATCH (c:Concept {owner_id: $owner_id})`+conceptReturn+` ORDER BY c.name_key`, map[string]any{
		"owner_id": ownerID.String(),
	})
}

func (s *Neo4jStore) readConcepts(ctx context.Context, cypher string, params map[string]any) ([]*knowledge.Concept, error) {
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("read concepts: %w", err)
	}
	records := out.([]*neo4j.Record)
	concepts := make([]*knowledge.Concept, 0, len(records))
	for _, rec := range records {
		c, err := conceptFromRecord(rec)
		if err != nil {
			s.log.Warn("skipping malformed concept node", "error", err)
			continue
		}
		concepts = append(concepts, c)
	}
	return concepts, nil
}

func (s *Neo4jStore) UpsertRelationship(ctx context.Context, ownerID uuid.UUID, rel knowledge.Relationship) (bool, error) {
	if err := validateRelationship(rel); err != nil {
		return false, err
	}
	// Relationship types cannot be parameterized; rel.Type is validated against the
	// fixed vocabulary above before it is formatted in.
	cypher := fmt.Sprintf(`
MATCH (a:Concept {owner_id: $owner_id, id: $from_id})
MATCH (b:Concept {owner_id: $owner_id, id: $to_id})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.create_token = $token, r.created_at = $now
SET r.strength = $strength, r.provenance = $provenance, r.updated_at = $now
RETURN r.create_token = $token AS created
`, rel.Type)
	token := uuid.NewString()
	params := map[string]any{
		"owner_id":   ownerID.String(),
		"from_id":    rel.SourceID.String(),
		"to_id":      rel.TargetID.String(),
		"token":      token,
		"strength":   rel.Strength,
		"provenance": string(rel.Provenance),
		"now":        nowString(),
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return false, fmt.Errorf("upsert %s %s->%s: %w", rel.Type, rel.SourceID, rel.TargetID, err)
	}
	records := out.([]*neo4j.Record)
	if len(records) == 0 {
		return false, fmt.Errorf("upsert %s %s->%s: %w", rel.Type, rel.SourceID, rel.TargetID, apperr.ErrConceptNotFound)
	}
	return recBool(records[0], "created"), nil
}

func (s *Neo4jStore) ListRelationships(ctx context.Context, ownerID, conceptID uuid.UUID) ([]knowledge.Relationship, error) {
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:Concept {owner_id: $owner_id, id: $id})-[r]-(:Concept)
RETURN startNode(r).id AS from_id, endNode(r).id AS to_id, type(r) AS type, r.strength AS strength, r.provenance AS provenance
`, map[string]any{"owner_id": ownerID.String(), "id": conceptID.String()})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list relationships %s: %w", conceptID, err)
	}
	records := out.([]*neo4j.Record)
	rels := make([]knowledge.Relationship, 0, len(records))
	for _, rec := range records {
		from, err1 := uuid.Parse(recString(rec, "from_id"))
		to, err2 := uuid.Parse(recString(rec, "to_id"))
		if err1 != nil || err2 != nil {
			continue
		}
		rels = append(rels, knowledge.Relationship{
			SourceID:   from,
			TargetID:   to,
			Type:       knowledge.RelationshipType(recString(rec, "type")),
			Strength:   recFloat(rec, "strength"),
			Provenance: knowledge.Provenance(recString(rec, "provenance")),
		})
	}
	sortRelationships(rels)
	return rels, nil
}

func (s *Neo4jStore) UpsertDocument(ctx context.Context, doc knowledge.SourceDocument) error {
	if doc.ID == uuid.Nil || doc.OwnerID == uuid.Nil {
		return fmt.Errorf("upsert document: id and owner required: %w", apperr.ErrInvalidArgument)
	}
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (d:SourceDocument {owner_id: $owner_id, id: $id})
ON CREATE SET d.created_at = $now
SET d.title = CASE WHEN $title <> '' THEN $title ELSE coalesce(d.title, '') END,
    d.summary = CASE WHEN $summary <> '' THEN $summary ELSE coalesce(d.summary, '') END,
    d.updated_at = $now
`, map[string]any{
			"owner_id": doc.OwnerID.String(),
			"id":       doc.ID.String(),
			"title":    doc.Title,
			"summary":  doc.Summary,
			"now":      nowString(),
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Neo4jStore) LinkDocument(ctx context.Context, ownerID, documentID uuid.UUID, conceptIDs []uuid.UUID, relevance float64) (int, error) {
	ids := make([]string, 0, len(conceptIDs))
	for _, id := range conceptIDs {
		if id != uuid.Nil {
			ids = append(ids, id.String())
		}
	}
	token := uuid.NewString()
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)
	params := map[string]any{
		"owner_id":  ownerID.String(),
		"doc_id":    documentID.String(),
		"ids":       ids,
		"token":     token,
		"relevance": relevance,
		"now":       nowString(),
	}
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (d:SourceDocument {owner_id: $owner_id, id: $doc_id}) RETURN d.id AS id`, params)
		if err != nil {
			return nil, err
		}
		if recs, err := res.Collect(ctx); err != nil {
			return nil, err
		} else if len(recs) == 0 {
			return nil, apperr.ErrNotFound
		}
		res, err = tx.Run(ctx, `
MATCH (d:SourceDocument {owner_id: $owner_id, id: $doc_id})
MATCH (c:Concept {owner_id: $owner_id})
WHERE c.id IN $ids
MERGE (d)-[e:EXPLAINS]->(c)
ON CREATE SET e.create_token = $token, e.created_at = $now
SET e.relevance = $relevance, e.updated_at = $now
RETURN count(CASE WHEN e.create_token = $token THEN 1 END) AS created
`, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return int(recInt(rec, "created")), nil
	})
	if err != nil {
		return 0, fmt.Errorf("link document %s: %w", documentID, err)
	}
	return out.(int), nil
}

func (s *Neo4jStore) DocumentLinks(ctx context.Context, ownerID, documentID uuid.UUID) (map[uuid.UUID]float64, error) {
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (d:SourceDocument {owner_id: $owner_id, id: $doc_id})-[e:EXPLAINS]->(c:Concept)
RETURN c.id AS id, e.relevance AS relevance
`, map[string]any{"owner_id": ownerID.String(), "doc_id": documentID.String()})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("document links %s: %w", documentID, err)
	}
	links := map[uuid.UUID]float64{}
	for _, rec := range out.([]*neo4j.Record) {
		if id, err := uuid.Parse(recString(rec, "id")); err == nil {
			links[id] = recFloat(rec, "relevance")
		}
	}
	return links, nil
}

// MergeConcept runs the whole per-source rewrite in one write transaction. Any failed
// statement rolls the transaction back, so a source is either fully merged or untouched.
func (s *Neo4jStore) MergeConcept(ctx context.Context, ownerID, targetID, sourceID uuid.UUID) (int, error) {
	if targetID == sourceID {
		return 0, fmt.Errorf("merge concept: source equals target: %w", apperr.ErrInvalidArgument)
	}
	base := map[string]any{
		"owner_id":  ownerID.String(),
		"target_id": targetID.String(),
		"source_id": sourceID.String(),
		"now":       nowString(),
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (t:Concept {owner_id: $owner_id, id: $target_id})
MATCH (s:Concept {owner_id: $owner_id, id: $source_id})
RETURN t.id AS target, s.id AS source
`, base)
		if err != nil {
			return nil, err
		}
		if recs, err := res.Collect(ctx); err != nil {
			return nil, err
		} else if len(recs) == 0 {
			return nil, apperr.ErrConceptNotFound
		}

		res, err = tx.Run(ctx, `
MATCH (s:Concept {owner_id: $owner_id, id: $source_id})-[r]-(o:Concept)
RETURN type(r) AS type, o.id AS other, startNode(r) = s AS outgoing, properties(r) AS props
`, base)
		if err != nil {
			return nil, err
		}
		edges, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		moved := 0
		for _, rec := range edges {
			typ := knowledge.RelationshipType(recString(rec, "type"))
			if !typ.ConceptEdge() {
				return nil, fmt.Errorf("unsupported edge type %q", typ)
			}
			other := recString(rec, "other")
			if other == targetID.String() || other == sourceID.String() {
				continue
			}
			pattern := "(t)-[n:%s]->(o)"
			if !recBool(rec, "outgoing") {
				pattern = "(o)-[n:%s]->(t)"
			}
			rawProps, _ := rec.Get("props")
			props, _ := rawProps.(map[string]any)
			params := map[string]any{
				"owner_id":  ownerID.String(),
				"target_id": targetID.String(),
				"source_id": sourceID.String(),
				"other_id":  other,
				"props":     props,
			}
			res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (t:Concept {owner_id: $owner_id, id: $target_id})
MATCH (o:Concept {owner_id: $owner_id, id: $other_id})
MERGE `+pattern+`
ON CREATE SET n = $props, n.provenance = coalesce($props.provenance, 'merge'), n.merged_from = $source_id
ON MATCH SET n.strength = CASE WHEN coalesce($props.strength, 0.0) > coalesce(n.strength, 0.0) THEN $props.strength ELSE n.strength END
`, typ), params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
			moved++
		}

		res, err = tx.Run(ctx, `
MATCH (t:Concept {owner_id: $owner_id, id: $target_id})
MATCH (d:SourceDocument)-[r:EXPLAINS]->(s:Concept {owner_id: $owner_id, id: $source_id})
MERGE (d)-[n:EXPLAINS]->(t)
ON CREATE SET n = properties(r)
ON MATCH SET n.relevance = CASE WHEN coalesce(r.relevance, 0.0) > coalesce(n.relevance, 0.0) THEN r.relevance ELSE n.relevance END
RETURN count(n) AS moved
`, base)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		moved += int(recInt(rec, "moved"))

		res, err = tx.Run(ctx, `
MATCH (t:Concept {owner_id: $owner_id, id: $target_id})
MATCH (s:Concept {owner_id: $owner_id, id: $source_id})
SET t.definition = CASE WHEN size(coalesce(s.definition, '')) > size(coalesce(t.definition, '')) THEN s.definition ELSE t.definition END,
    t.updated_at = $now
DETACH DELETE s
`, base)
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return moved, nil
	})
	if err != nil {
		return 0, fmt.Errorf("merge %s into %s: %w", sourceID, targetID, err)
	}
	return out.(int), nil
}

func conceptFromRecord(rec *neo4j.Record) (*knowledge.Concept, error) {
	id, err := uuid.Parse(recString(rec, "id"))
	if err != nil {
		return nil, fmt.Errorf("concept id: %w", err)
	}
	owner, err := uuid.Parse(recString(rec, "owner_id"))
	if err != nil {
		return nil, fmt.Errorf("concept owner: %w", err)
	}
	return &knowledge.Concept{
		ID:         id,
		OwnerID:    owner,
		Name:       recString(rec, "name"),
		NameKey:    recString(rec, "name_key"),
		Definition: recString(rec, "definition"),
		Domain:     recString(rec, "domain"),
		Complexity: recFloat(rec, "complexity"),
		Confidence: recFloat(rec, "confidence"),
		Embedding:  recEmbedding(rec, "embedding"),
		CreatedAt:  recTime(rec, "created_at"),
		UpdatedAt:  recTime(rec, "updated_at"),
	}, nil
}

func recString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recBool(rec *neo4j.Record, key string) bool {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

func recInt(rec *neo4j.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

func recFloat(rec *neo4j.Record, key string) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

func recEmbedding(rec *neo4j.Record, key string) []float32 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	out := make([]float32, 0, len(list))
	for _, x := range list {
		f, ok := x.(float64)
		if !ok {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

func recTime(rec *neo4j.Record, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, recString(rec, key))
	if err != nil {
		return time.Time{}
	}
	return t
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
