package synthesis

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/similarity"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

// Embedder is the batched embedding capability the resolver needs. *embedding.Index
// satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	Admission          float64
	TopK               int
	DuplicateThreshold float64
	EnhanceThreshold   float64
	AdjudicatorTimeout time.Duration
	// Concurrency bounds parallel adjudication calls within one run.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Admission <= 0 {
		c.Admission = similarity.DefaultAdmission
	}
	if c.TopK <= 0 {
		c.TopK = similarity.DefaultTopK
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = 0.95
	}
	if c.EnhanceThreshold <= 0 {
		c.EnhanceThreshold = 0.8
	}
	if c.AdjudicatorTimeout <= 0 {
		c.AdjudicatorTimeout = 20 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Resolver classifies new candidates against an owner's existing concepts. It never
// fails a run: every provider problem degrades to a deterministic policy.
type Resolver struct {
	embedder    Embedder
	adjudicator Adjudicator
	matcher     *similarity.Matcher
	cfg         Config
	log         *logger.Logger
}

// NewResolver accepts a nil adjudicator, in which case every decision with
// candidates comes from the threshold policy.
func NewResolver(embedder Embedder, adjudicator Adjudicator, cfg Config, baseLog *logger.Logger) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		embedder:    embedder,
		adjudicator: adjudicator,
		matcher:     similarity.NewMatcher(cfg.Admission, cfg.TopK),
		cfg:         cfg,
		log:         baseLog.With("service", "ConflictResolver"),
	}
}

// Analyze returns exactly one decision per candidate, in input order.
func (r *Resolver) Analyze(ctx context.Context, candidates []knowledge.ConceptCandidate, existing []*knowledge.Concept) []knowledge.ConflictDecision {
	out := make([]knowledge.ConflictDecision, len(candidates))
	if len(candidates) == 0 {
		return out
	}
	if len(existing) == 0 {
		for i, c := range candidates {
			out[i] = knowledge.ConflictDecision{
				ConceptName:   c.Name,
				Decision:      knowledge.DecisionNew,
				MergeStrategy: knowledge.StrategyCreateNew,
				Confidence:    1.0,
				Reasoning:     "no existing concepts",
				Source:        knowledge.SourceEmptyPool,
			}
		}
		return out
	}

	pool := r.embedPool(ctx, existing)
	vecs := r.embedCandidates(ctx, candidates)
	byKey := make(map[string]*knowledge.Concept, len(existing))
	for _, c := range existing {
		if c == nil {
			continue
		}
		key := c.NameKey
		if key == "" {
			key = knowledge.NormalizeName(c.Name)
		}
		if _, ok := byKey[key]; !ok {
			byKey[key] = c
		}
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i := range candidates {
		g.Go(func() error {
			out[i] = r.decideSafe(ctx, candidates[i], vecs[i], pool, byKey)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// embedPool embeds every pool concept lacking a vector in one batch. Vectors are set
// on copies; the caller's concepts are not modified.
func (r *Resolver) embedPool(ctx context.Context, existing []*knowledge.Concept) *similarity.Pool {
	concepts := make([]*knowledge.Concept, 0, len(existing))
	var texts []string
	var missing []int
	for _, c := range existing {
		if c == nil {
			continue
		}
		cp := *c
		if cp.NameKey == "" {
			cp.NameKey = knowledge.NormalizeName(cp.Name)
		}
		if len(cp.Embedding) == 0 {
			missing = append(missing, len(concepts))
			texts = append(texts, cp.EmbeddingText())
		}
		concepts = append(concepts, &cp)
	}
	if len(texts) > 0 && r.embedder != nil {
		vecs, err := r.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(vecs) != len(texts) {
			err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		if err != nil {
			r.log.Warn("pool embedding failed; unembedded concepts excluded from similarity", "missing", len(texts), "error", err)
		} else {
			for j, idx := range missing {
				concepts[idx].Embedding = vecs[j]
			}
		}
	}
	return similarity.NewPool(concepts)
}

func (r *Resolver) embedCandidates(ctx context.Context, candidates []knowledge.ConceptCandidate) [][]float32 {
	vecs := make([][]float32, len(candidates))
	var texts []string
	var missing []int
	for i, c := range candidates {
		if len(c.Embedding) > 0 {
			vecs[i] = c.Embedding
			continue
		}
		missing = append(missing, i)
		texts = append(texts, c.EmbeddingText())
	}
	if len(texts) == 0 || r.embedder == nil {
		return vecs
	}
	got, err := r.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(got) != len(texts) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(got), len(texts))
	}
	if err != nil {
		r.log.Warn("candidate embedding failed; using name-key matching", "missing", len(texts), "error", err)
		return vecs
	}
	for j, idx := range missing {
		vecs[idx] = got[j]
	}
	return vecs
}

func (r *Resolver) decideSafe(ctx context.Context, c knowledge.ConceptCandidate, vec []float32, pool *similarity.Pool, byKey map[string]*knowledge.Concept) (d knowledge.ConflictDecision) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("decision panicked; using name-key matching", "concept", c.Name, "panic", fmt.Sprint(p))
			d = nameKeyDecision(c, byKey)
		}
	}()
	return r.decide(ctx, c, vec, pool, byKey)
}

func (r *Resolver) decide(ctx context.Context, c knowledge.ConceptCandidate, vec []float32, pool *similarity.Pool, byKey map[string]*knowledge.Concept) knowledge.ConflictDecision {
	if len(vec) == 0 || pool.Len() == 0 {
		return nameKeyDecision(c, byKey)
	}
	matches := r.matcher.FindCandidates(vec, pool)
	if len(matches) == 0 {
		return knowledge.ConflictDecision{
			ConceptName:   c.Name,
			Decision:      knowledge.DecisionNew,
			MergeStrategy: knowledge.StrategyCreateNew,
			Confidence:    1.0,
			Reasoning:     "no similar concepts above admission threshold",
			Source:        knowledge.SourceNoCandidates,
		}
	}
	if r.adjudicator != nil {
		adj, err := r.adjudicate(ctx, c, matches)
		if err == nil {
			var d knowledge.ConflictDecision
			if d, err = validate(adj, c, matches); err == nil {
				return d
			}
		}
		r.log.Warn("adjudication failed; using threshold policy", "concept", c.Name, "error", err)
	}
	return r.thresholdDecision(c, matches[0])
}

func (r *Resolver) adjudicate(ctx context.Context, c knowledge.ConceptCandidate, matches []similarity.Candidate) (adj *Adjudication, err error) {
	defer func() {
		if p := recover(); p != nil {
			adj, err = nil, fmt.Errorf("adjudicator panic: %v", p)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, r.cfg.AdjudicatorTimeout)
	defer cancel()
	return r.adjudicator.Adjudicate(cctx, c, matches)
}

// thresholdDecision is the deterministic policy on the best match's similarity.
func (r *Resolver) thresholdDecision(c knowledge.ConceptCandidate, best similarity.Candidate) knowledge.ConflictDecision {
	id := best.Concept.ID
	d := knowledge.ConflictDecision{
		ConceptName: c.Name,
		Similarity:  best.Similarity,
		Source:      knowledge.SourceFallback,
	}
	switch {
	case best.Similarity > r.cfg.DuplicateThreshold:
		d.Decision, d.MergeStrategy = knowledge.DecisionDuplicate, knowledge.StrategySkip
		d.Confidence = best.Similarity
		d.MatchedConceptID = &id
		d.Reasoning = fmt.Sprintf("similarity %.3f to %q above duplicate threshold", best.Similarity, best.Concept.Name)
	case best.Similarity > r.cfg.EnhanceThreshold:
		d.Decision, d.MergeStrategy = knowledge.DecisionEnhance, knowledge.StrategyMerge
		d.Confidence = best.Similarity
		d.MatchedConceptID = &id
		d.Reasoning = fmt.Sprintf("similarity %.3f to %q above enhance threshold", best.Similarity, best.Concept.Name)
	default:
		d.Decision, d.MergeStrategy = knowledge.DecisionNew, knowledge.StrategyCreateNew
		d.Confidence = 1 - best.Similarity
		d.Reasoning = fmt.Sprintf("best similarity %.3f below enhance threshold", best.Similarity)
	}
	return d
}

// nameKeyDecision is used when no vector comparison is possible: an exact identity
// key match is a duplicate, anything else is new.
func nameKeyDecision(c knowledge.ConceptCandidate, byKey map[string]*knowledge.Concept) knowledge.ConflictDecision {
	if m, ok := byKey[c.NameKey()]; ok {
		id := m.ID
		return knowledge.ConflictDecision{
			ConceptName:      c.Name,
			Decision:         knowledge.DecisionDuplicate,
			MergeStrategy:    knowledge.StrategySkip,
			Confidence:       1.0,
			MatchedConceptID: &id,
			Similarity:       1.0,
			Reasoning:        "exact name match",
			Source:           knowledge.SourceNameKey,
		}
	}
	return knowledge.ConflictDecision{
		ConceptName:   c.Name,
		Decision:      knowledge.DecisionNew,
		MergeStrategy: knowledge.StrategyCreateNew,
		Confidence:    0.5,
		Reasoning:     "no name match; similarity unavailable",
		Source:        knowledge.SourceNameKey,
	}
}
