package knowledge

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	MaxComplexity = 10.0
	MaxConfidence = 1.0
)

// Concept is a persisted, owner-scoped node. NameKey is the identity component:
// (OwnerID, NameKey) is unique in every graph store.
type Concept struct {
	ID         uuid.UUID `json:"id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Name       string    `json:"name"`
	NameKey    string    `json:"name_key"`
	Definition string    `json:"definition"`
	Domain     string    `json:"domain,omitempty"`
	Complexity float64   `json:"complexity"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EmbeddingText is what gets embedded for similarity: name plus definition.
func (c *Concept) EmbeddingText() string {
	return embeddingText(c.Name, c.Definition)
}

// CandidateRelation is an explicitly typed edge proposed by the extractor.
type CandidateRelation struct {
	Target   string           `json:"target"`
	Type     RelationshipType `json:"type"`
	Strength float64          `json:"strength,omitempty"`
}

// ConceptCandidate is a freshly extracted, not yet persisted concept proposal.
type ConceptCandidate struct {
	Name          string              `json:"name"`
	Definition    string              `json:"definition"`
	Domain        string              `json:"domain,omitempty"`
	Complexity    float64             `json:"complexity,omitempty"`
	Confidence    float64             `json:"confidence,omitempty"`
	Prerequisites []string            `json:"prerequisites,omitempty"`
	Related       []string            `json:"related_concepts,omitempty"`
	Parent        string              `json:"parent,omitempty"`
	Subtopics     []string            `json:"subtopics,omitempty"`
	Relations     []CandidateRelation `json:"relations,omitempty"`
	Embedding     []float32           `json:"embedding,omitempty"`
}

func (c *ConceptCandidate) NameKey() string {
	return NormalizeName(c.Name)
}

func (c *ConceptCandidate) EmbeddingText() string {
	return embeddingText(c.Name, c.Definition)
}

// Sanitize trims text fields, clamps scores into range and drops blank list entries.
// Extractor output is untrusted; everything downstream assumes sanitized candidates.
// A zero complexity or confidence means unset and stays zero. List fields are
// replaced, never filtered in place, so a caller's backing arrays are untouched.
func (c *ConceptCandidate) Sanitize() {
	c.Name = collapseSpaces(c.Name)
	c.Definition = strings.TrimSpace(c.Definition)
	c.Domain = strings.TrimSpace(c.Domain)
	c.Parent = collapseSpaces(c.Parent)
	c.Complexity = clamp(c.Complexity, 0, MaxComplexity)
	c.Confidence = clamp(c.Confidence, 0, MaxConfidence)
	c.Prerequisites = cleanNames(c.Prerequisites)
	c.Related = cleanNames(c.Related)
	c.Subtopics = cleanNames(c.Subtopics)

	if len(c.Relations) == 0 {
		c.Relations = nil
		return
	}
	rels := make([]CandidateRelation, 0, len(c.Relations))
	for _, r := range c.Relations {
		r.Target = collapseSpaces(r.Target)
		if r.Target == "" || !r.Type.Valid() || r.Type == RelExplains {
			continue
		}
		r.Strength = clamp(r.Strength, 0, 1)
		rels = append(rels, r)
	}
	c.Relations = rels
}

// NormalizeName produces the identity key for a concept name: whitespace collapsed,
// case folded. "  Neural   NETWORK " and "neural network" share a key.
func NormalizeName(name string) string {
	return strings.ToLower(collapseSpaces(name))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func cleanNames(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = collapseSpaces(s)
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func embeddingText(name, definition string) string {
	name = strings.TrimSpace(name)
	definition = strings.TrimSpace(definition)
	if definition == "" {
		return name
	}
	return name + ": " + definition
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SourceDocument is one ingested text artifact. It links to concepts via EXPLAINS.
type SourceDocument struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"owner_id"`
	Title   string    `json:"title,omitempty"`
	Summary string    `json:"summary,omitempty"`
}
