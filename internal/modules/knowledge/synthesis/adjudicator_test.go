package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/similarity"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

type fakeAI struct {
	obj        map[string]any
	err        error
	lastUser   string
	lastSchema string
}

func (f *fakeAI) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeAI) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	f.lastUser = user
	f.lastSchema = schemaName
	return f.obj, f.err
}

func TestOpenAIAdjudicatorDecodesAnswer(t *testing.T) {
	match := existingConcept("Neural Network", "biology inspired", nil)
	ai := &fakeAI{obj: map[string]any{
		"decision":           "ENHANCE",
		"merge_strategy":     "MERGE",
		"confidence":         0.82,
		"matched_concept_id": match.ID.String(),
		"reasoning":          "adds layers",
		"updated_definition": "layered, biology inspired",
	}}
	a := NewOpenAIAdjudicator(ai, logger.Nop())

	got, err := a.Adjudicate(context.Background(), knowledge.ConceptCandidate{Name: "Neural Net"}, []similarity.Candidate{{Concept: match, Similarity: 0.9}})
	require.NoError(t, err)
	require.Equal(t, "ENHANCE", got.Decision)
	require.Equal(t, 0.82, got.Confidence)
	require.Equal(t, match.ID.String(), got.MatchedConceptID)
	require.Equal(t, adjudicationSchemaName, ai.lastSchema)
	require.True(t, strings.Contains(ai.lastUser, match.ID.String()), "prompt lists match ids")
}

func TestOpenAIAdjudicatorRejectsEmptyDecision(t *testing.T) {
	a := NewOpenAIAdjudicator(&fakeAI{obj: map[string]any{"confidence": "high"}}, logger.Nop())
	_, err := a.Adjudicate(context.Background(), knowledge.ConceptCandidate{Name: "X"}, nil)
	require.ErrorIs(t, err, ErrMalformedAdjudication)

	a = NewOpenAIAdjudicator(&fakeAI{obj: map[string]any{}}, logger.Nop())
	_, err = a.Adjudicate(context.Background(), knowledge.ConceptCandidate{Name: "X"}, nil)
	require.ErrorIs(t, err, ErrMalformedAdjudication)
}

func TestBreakerAdjudicatorOpensAfterFailures(t *testing.T) {
	var calls int32
	inner := adjudicatorFunc(func(context.Context, knowledge.ConceptCandidate, []similarity.Candidate) (*Adjudication, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("503")
	})
	b := NewBreakerAdjudicator(inner, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Hour}, logger.Nop())

	for i := 0; i < 2; i++ {
		_, err := b.Adjudicate(context.Background(), knowledge.ConceptCandidate{}, nil)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrAdjudicatorUnavailable)
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Adjudicate(context.Background(), knowledge.ConceptCandidate{}, nil)
	require.ErrorIs(t, err, ErrAdjudicatorUnavailable)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls), "open breaker does not call through")
}

func TestBreakerAdjudicatorPassesThrough(t *testing.T) {
	want := &Adjudication{Decision: "NEW"}
	inner := adjudicatorFunc(func(context.Context, knowledge.ConceptCandidate, []similarity.Candidate) (*Adjudication, error) {
		return want, nil
	})
	b := NewBreakerAdjudicator(inner, BreakerConfig{}, logger.Nop())
	got, err := b.Adjudicate(context.Background(), knowledge.ConceptCandidate{}, nil)
	require.NoError(t, err)
	require.Same(t, want, got)
	require.Equal(t, gobreaker.StateClosed, b.State())
}

func TestResolverDegradesWhenBreakerOpen(t *testing.T) {
	var calls int32
	inner := adjudicatorFunc(func(context.Context, knowledge.ConceptCandidate, []similarity.Candidate) (*Adjudication, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("down")
	})
	b := NewBreakerAdjudicator(inner, BreakerConfig{MaxFailures: 1, OpenTimeout: time.Hour}, logger.Nop())
	r := NewResolver(&fakeEmbedder{}, b, Config{Concurrency: 1}, logger.Nop())

	existing := []*knowledge.Concept{{ID: uuid.New(), Name: "A", NameKey: "a", Embedding: []float32{1, 0}}}
	cands := []knowledge.ConceptCandidate{
		{Name: "a1", Embedding: []float32{1, 0}},
		{Name: "a2", Embedding: []float32{1, 0}},
		{Name: "a3", Embedding: []float32{1, 0}},
	}
	got := r.Analyze(context.Background(), cands, existing)
	require.Len(t, got, 3)
	for _, d := range got {
		require.Equal(t, knowledge.DecisionDuplicate, d.Decision)
		require.Equal(t, knowledge.SourceFallback, d.Source)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
