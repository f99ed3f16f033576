package services

import (
	"context"
	"hash/fnv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphrecall/internal/data/cache"
	"github.com/yungbote/graphrecall/internal/data/graph"
	reviewrepo "github.com/yungbote/graphrecall/internal/data/repos/review"
	"github.com/yungbote/graphrecall/internal/data/repos/testutil"
	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/graphbuild"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/review"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/synthesis"
	apperr "github.com/yungbote/graphrecall/internal/pkg/errors"
)

// hashEmbedder gives every distinct text its own stable direction.
type hashEmbedder struct{}

func (hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(t))
		sum := h.Sum64()
		vec := make([]float32, 8)
		vec[sum%8] = 1
		vec[(sum>>8)%8] += 0.5
		out[i] = vec
	}
	return out, nil
}

func newTestService(t *testing.T, mode review.Mode) (KnowledgeService, *graph.MemoryStore) {
	t.Helper()
	log := testutil.Logger(t)
	store := graph.NewMemoryStore()
	emb := hashEmbedder{}
	resolver := synthesis.NewResolver(emb, nil, synthesis.Config{}, log)
	builder := graphbuild.NewBuilder(store, graphbuild.Config{}, log)
	repo := reviewrepo.NewSessionRepo(testutil.DB(t), log)
	reviews := review.NewManager(repo, cache.NewLocalSessionCache(16, time.Hour, log), builder, review.Config{}, log)
	return NewKnowledgeService(log, store, emb, resolver, builder, reviews, RoutingConfig{Mode: mode}), store
}

func batch() []knowledge.ConceptCandidate {
	return []knowledge.ConceptCandidate{
		{Name: "Gradient Descent", Definition: "iterative minimisation", Prerequisites: []string{"Calculus"}},
		{Name: "Learning Rate", Definition: "step size", Related: []string{"Gradient Descent"}},
	}
}

func TestIngestBuildsAndConverges(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, review.ModeAuto)
	owner := uuid.New()

	out, err := svc.Ingest(ctx, IngestRequest{OwnerID: owner, Document: knowledge.SourceDocument{Title: "Optimisation"}, Concepts: batch()})
	require.NoError(t, err)
	require.Nil(t, out.Session)
	require.NotNil(t, out.Build)
	require.Equal(t, 2, out.Build.ConceptsCreated)
	require.Equal(t, 1, out.Build.RelationshipsCreated)
	require.True(t, out.Build.DocumentLinked)
	require.Len(t, out.Decisions, 2)

	concepts, err := store.ListConcepts(ctx, owner)
	require.NoError(t, err)
	require.Len(t, concepts, 2)
	for _, c := range concepts {
		require.NotEmpty(t, c.Embedding, "embeddings are written back")
	}

	// The same batch again classifies as duplicates and writes nothing new.
	again, err := svc.Ingest(ctx, IngestRequest{OwnerID: owner, Concepts: batch()})
	require.NoError(t, err)
	require.NotNil(t, again.Build)
	require.Zero(t, again.Build.ConceptsCreated)
	for _, d := range again.Decisions {
		require.Equal(t, knowledge.DecisionDuplicate, d.Decision)
	}
	concepts, err = store.ListConcepts(ctx, owner)
	require.NoError(t, err)
	require.Len(t, concepts, 2)
}

func TestIngestHoldsForReviewThenApproves(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, review.ModeAlways)
	owner := uuid.New()

	out, err := svc.Ingest(ctx, IngestRequest{OwnerID: owner, Concepts: batch()})
	require.NoError(t, err)
	require.Nil(t, out.Build)
	require.NotNil(t, out.Session)
	require.Equal(t, knowledge.SessionPending, out.Session.Status)

	concepts, err := store.ListConcepts(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, concepts, "nothing is written before approval")

	pending, err := svc.ListPendingReviews(ctx, owner)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err := svc.ApproveReviewSession(ctx, out.Session.ID, knowledge.Approval{})
	require.NoError(t, err)
	require.Equal(t, 2, res.ConceptsCreated)

	links, err := store.DocumentLinks(ctx, owner, out.DocumentID)
	require.NoError(t, err)
	require.Len(t, links, 2)
}

func TestCancelledReviewKeepsDocument(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, review.ModeAlways)
	owner := uuid.New()

	out, err := svc.Ingest(ctx, IngestRequest{OwnerID: owner, Document: knowledge.SourceDocument{Title: "Notes"}, Concepts: batch()})
	require.NoError(t, err)
	ok, err := svc.CancelReviewSession(ctx, out.Session.ID)
	require.NoError(t, err)
	require.True(t, ok)

	links, err := store.DocumentLinks(ctx, owner, out.DocumentID)
	require.NoError(t, err, "document survives cancellation")
	require.Empty(t, links)

	_, err = svc.ApproveReviewSession(ctx, out.Session.ID, knowledge.Approval{})
	require.ErrorIs(t, err, apperr.ErrSessionNotPending)
}

func TestIngestRequiresOwner(t *testing.T) {
	svc, _ := newTestService(t, review.ModeNever)
	_, err := svc.Ingest(context.Background(), IngestRequest{Concepts: batch()})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestMergeConceptsThroughService(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, review.ModeNever)
	owner := uuid.New()

	res, err := svc.BuildGraph(ctx, owner, []knowledge.ConceptCandidate{
		{Name: "Backprop", Related: []string{"Chain Rule"}},
		{Name: "Chain Rule"},
		{Name: "Backpropagation"},
	}, nil, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, res.ConceptIDs, 3)

	merged, err := svc.MergeConcepts(ctx, owner, res.ConceptIDs[2], []uuid.UUID{res.ConceptIDs[0]})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{res.ConceptIDs[0]}, merged.Merged)
	require.Empty(t, merged.Failed)

	rels, err := store.ListRelationships(ctx, owner, res.ConceptIDs[2])
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, knowledge.RelRelatedTo, rels[0].Type)
	require.Equal(t, res.ConceptIDs[1], rels[0].TargetID)
}
