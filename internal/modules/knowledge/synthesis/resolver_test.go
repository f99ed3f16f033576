package synthesis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/similarity"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

// unit returns a 2-d unit vector whose cosine with (1, 0) is s.
func unit(s float64) []float32 {
	return []float32{float32(s), float32(math.Sqrt(1 - s*s))}
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
	vecs  map[string][]float32
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vecs[t]
	}
	return out, nil
}

type adjudicatorFunc func(ctx context.Context, c knowledge.ConceptCandidate, m []similarity.Candidate) (*Adjudication, error)

func (f adjudicatorFunc) Adjudicate(ctx context.Context, c knowledge.ConceptCandidate, m []similarity.Candidate) (*Adjudication, error) {
	return f(ctx, c, m)
}

func existingConcept(name, def string, vec []float32) *knowledge.Concept {
	return &knowledge.Concept{ID: uuid.New(), Name: name, NameKey: knowledge.NormalizeName(name), Definition: def, Embedding: vec}
}

func TestAnalyzeEmptyPoolIsNew(t *testing.T) {
	emb := &fakeEmbedder{}
	r := NewResolver(emb, nil, Config{}, logger.Nop())

	got := r.Analyze(context.Background(), []knowledge.ConceptCandidate{{Name: "Gradient Descent", Definition: "..."}}, nil)
	require.Len(t, got, 1)
	require.Equal(t, knowledge.DecisionNew, got[0].Decision)
	require.Equal(t, knowledge.StrategyCreateNew, got[0].MergeStrategy)
	require.Equal(t, 1.0, got[0].Confidence)
	require.Zero(t, emb.calls, "no candidate search on an empty pool")
}

func TestAnalyzeIdenticalEmbeddingWithoutAdjudicatorIsDuplicate(t *testing.T) {
	existing := existingConcept("Neural Network", "Computing systems inspired by biology", []float32{0.6, 0.8})
	r := NewResolver(&fakeEmbedder{}, nil, Config{}, logger.Nop())

	got := r.Analyze(context.Background(), []knowledge.ConceptCandidate{{
		Name:       "Neural Network",
		Definition: "Computing systems inspired by biology",
		Embedding:  []float32{0.6, 0.8},
	}}, []*knowledge.Concept{existing})

	require.Len(t, got, 1)
	require.Equal(t, knowledge.DecisionDuplicate, got[0].Decision)
	require.Equal(t, knowledge.StrategySkip, got[0].MergeStrategy)
	require.Equal(t, knowledge.SourceFallback, got[0].Source)
	require.NotNil(t, got[0].MatchedConceptID)
	require.Equal(t, existing.ID, *got[0].MatchedConceptID)
}

func TestAnalyzeThresholdPolicy(t *testing.T) {
	existing := existingConcept("Anchor", "", []float32{1, 0})
	cases := []struct {
		sim      float64
		decision knowledge.Decision
		strategy knowledge.MergeStrategy
	}{
		{0.99, knowledge.DecisionDuplicate, knowledge.StrategySkip},
		{0.9, knowledge.DecisionEnhance, knowledge.StrategyMerge},
		{0.5, knowledge.DecisionNew, knowledge.StrategyCreateNew},
		{0.1, knowledge.DecisionNew, knowledge.StrategyCreateNew},
	}
	failing := adjudicatorFunc(func(context.Context, knowledge.ConceptCandidate, []similarity.Candidate) (*Adjudication, error) {
		return nil, errors.New("model timeout")
	})
	r := NewResolver(&fakeEmbedder{}, failing, Config{}, logger.Nop())
	for _, tc := range cases {
		got := r.Analyze(context.Background(), []knowledge.ConceptCandidate{{Name: "X", Embedding: unit(tc.sim)}}, []*knowledge.Concept{existing})
		require.Len(t, got, 1)
		require.Equal(t, tc.decision, got[0].Decision, "sim %.2f", tc.sim)
		require.Equal(t, tc.strategy, got[0].MergeStrategy, "sim %.2f", tc.sim)
	}
}

func TestAnalyzeKeepsCountAndOrderUnderInjectedFailures(t *testing.T) {
	pool := []*knowledge.Concept{
		existingConcept("Alpha", "", []float32{1, 0}),
		existingConcept("Beta", "", []float32{0, 1}),
	}
	var candidates []knowledge.ConceptCandidate
	for i := 0; i < 23; i++ {
		candidates = append(candidates, knowledge.ConceptCandidate{Name: fmt.Sprintf("cand-%02d", i), Embedding: unit(0.85 + float64(i%3)*0.05)})
	}

	adj := adjudicatorFunc(func(ctx context.Context, c knowledge.ConceptCandidate, m []similarity.Candidate) (*Adjudication, error) {
		var n int
		fmt.Sscanf(strings.TrimPrefix(c.Name, "cand-"), "%d", &n)
		switch n % 5 {
		case 0:
			return nil, errors.New("transient")
		case 1:
			panic("adjudicator bug")
		case 2:
			return &Adjudication{Decision: "MAYBE"}, nil
		case 3:
			return &Adjudication{Decision: "DUPLICATE", MatchedConceptID: uuid.NewString()}, nil
		default:
			return &Adjudication{Decision: "CONFLICT", MergeStrategy: "FLAG_FOR_REVIEW", Confidence: 0.6, MatchedConceptID: m[0].Concept.ID.String()}, nil
		}
	})
	r := NewResolver(&fakeEmbedder{}, adj, Config{Concurrency: 3}, logger.Nop())

	got := r.Analyze(context.Background(), candidates, pool)
	require.Len(t, got, len(candidates))
	for i, d := range got {
		require.Equal(t, candidates[i].Name, d.ConceptName, "order at %d", i)
		require.NotEmpty(t, d.Decision)
		require.True(t, d.Decision.Compatible(d.MergeStrategy), "incompatible pair at %d: %s/%s", i, d.Decision, d.MergeStrategy)
		if i%5 == 4 {
			require.Equal(t, knowledge.DecisionConflict, d.Decision)
			require.Equal(t, knowledge.SourceAdjudicator, d.Source)
		} else {
			require.Equal(t, knowledge.SourceFallback, d.Source, "candidate %d", i)
		}
	}
}

func TestAnalyzeZeroCandidates(t *testing.T) {
	r := NewResolver(&fakeEmbedder{}, nil, Config{}, logger.Nop())
	require.Empty(t, r.Analyze(context.Background(), nil, []*knowledge.Concept{existingConcept("A", "", []float32{1})}))
}

func TestAnalyzeEmbeddingFailureFallsBackToNameKey(t *testing.T) {
	existing := existingConcept("Neural Network", "biology inspired", nil)
	emb := &fakeEmbedder{fail: errors.New("embedding service down")}
	r := NewResolver(emb, nil, Config{}, logger.Nop())

	got := r.Analyze(context.Background(), []knowledge.ConceptCandidate{
		{Name: "neural  network"},
		{Name: "Perceptron"},
	}, []*knowledge.Concept{existing})

	require.Len(t, got, 2)
	require.Equal(t, knowledge.DecisionDuplicate, got[0].Decision)
	require.Equal(t, knowledge.SourceNameKey, got[0].Source)
	require.Equal(t, existing.ID, *got[0].MatchedConceptID)
	require.Equal(t, knowledge.DecisionNew, got[1].Decision)
	require.Equal(t, 2, emb.calls, "pool and candidates are each embedded in one batch")
}

func TestAnalyzeEmbedsPoolOncePerRun(t *testing.T) {
	pool := []*knowledge.Concept{
		existingConcept("A", "", nil),
		existingConcept("B", "", nil),
		existingConcept("C", "", nil),
	}
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"A": {1, 0}, "B": {0, 1}, "C": {1, 1},
		"x": {1, 0}, "y": {0, 1},
	}}
	r := NewResolver(emb, nil, Config{}, logger.Nop())

	got := r.Analyze(context.Background(), []knowledge.ConceptCandidate{{Name: "x"}, {Name: "y"}}, pool)
	require.Len(t, got, 2)
	require.Equal(t, 2, emb.calls)
	require.Nil(t, pool[0].Embedding, "caller's concepts are not mutated")
}

func TestAnalyzeUsesValidAdjudication(t *testing.T) {
	a := existingConcept("Backprop", "gradients", []float32{1, 0})
	b := existingConcept("Backpropagation", "chain rule", unit(0.9))
	adj := adjudicatorFunc(func(ctx context.Context, c knowledge.ConceptCandidate, m []similarity.Candidate) (*Adjudication, error) {
		if len(m) != 2 {
			return nil, fmt.Errorf("want 2 matches, got %d", len(m))
		}
		return &Adjudication{
			Decision:          "enhance",
			MergeStrategy:     "SKIP", // incompatible; corrected to MERGE
			Confidence:        1.7,
			MatchedConceptID:  b.ID.String(),
			UpdatedDefinition: " chain rule over a computation graph ",
		}, nil
	})
	r := NewResolver(&fakeEmbedder{}, adj, Config{}, logger.Nop())

	got := r.Analyze(context.Background(), []knowledge.ConceptCandidate{{Name: "Backpropagation", Embedding: []float32{1, 0}}}, []*knowledge.Concept{a, b})
	require.Len(t, got, 1)
	d := got[0]
	require.Equal(t, knowledge.DecisionEnhance, d.Decision)
	require.Equal(t, knowledge.StrategyMerge, d.MergeStrategy)
	require.Equal(t, 1.0, d.Confidence)
	require.Equal(t, b.ID, *d.MatchedConceptID)
	require.InDelta(t, 0.9, d.Similarity, 1e-6)
	require.Equal(t, "chain rule over a computation graph", d.UpdatedDefinition)
}

func TestValidateRejectsUntrustedOutput(t *testing.T) {
	c := knowledge.ConceptCandidate{Name: "X"}
	m := []similarity.Candidate{{Concept: existingConcept("Y", "", nil), Similarity: 0.7}}

	for name, adj := range map[string]*Adjudication{
		"nil":          nil,
		"bad decision": {Decision: "SAME"},
		"nan":          {Decision: "NEW", Confidence: math.NaN()},
		"bad id":       {Decision: "DUPLICATE", MatchedConceptID: "not-a-uuid"},
		"foreign id":   {Decision: "ENHANCE", MatchedConceptID: uuid.NewString()},
	} {
		_, err := validate(adj, c, m)
		require.ErrorIs(t, err, ErrMalformedAdjudication, name)
	}

	d, err := validate(&Adjudication{Decision: "NEW", MatchedConceptID: m[0].Concept.ID.String(), Confidence: -1}, c, m)
	require.NoError(t, err)
	require.Nil(t, d.MatchedConceptID, "NEW carries no match")
	require.Equal(t, knowledge.StrategyCreateNew, d.MergeStrategy)
	require.Zero(t, d.Confidence)

	d, err = validate(&Adjudication{Decision: "DUPLICATE", Confidence: 0.9}, c, m)
	require.NoError(t, err)
	require.Equal(t, m[0].Concept.ID, *d.MatchedConceptID, "missing id defaults to best match")
	require.Equal(t, knowledge.StrategySkip, d.MergeStrategy)
}
