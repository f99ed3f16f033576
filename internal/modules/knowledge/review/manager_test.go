package review

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphrecall/internal/data/cache"
	reviewrepo "github.com/yungbote/graphrecall/internal/data/repos/review"
	"github.com/yungbote/graphrecall/internal/data/repos/testutil"
	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	apperr "github.com/yungbote/graphrecall/internal/pkg/errors"
)

type recordingBuilder struct {
	mu        sync.Mutex
	calls     int32
	concepts  []knowledge.ConceptCandidate
	decisions []knowledge.ConflictDecision
}

func (b *recordingBuilder) Build(ctx context.Context, ownerID uuid.UUID, concepts []knowledge.ConceptCandidate, decisions []knowledge.ConflictDecision, documentID uuid.UUID) (knowledge.BuildResult, error) {
	atomic.AddInt32(&b.calls, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.concepts = concepts
	b.decisions = decisions
	return knowledge.BuildResult{ConceptsCreated: len(concepts)}, nil
}

func (b *recordingBuilder) Calls() int { return int(atomic.LoadInt32(&b.calls)) }

func newTestManager(t *testing.T) (*Manager, *recordingBuilder, reviewrepo.SessionRepo) {
	t.Helper()
	log := testutil.Logger(t)
	repo := reviewrepo.NewSessionRepo(testutil.DB(t), log)
	b := &recordingBuilder{}
	m := NewManager(repo, cache.NewLocalSessionCache(64, time.Hour, log), b, Config{}, log)
	return m, b, repo
}

func threeItems() ([]knowledge.ConceptCandidate, []knowledge.ConflictDecision) {
	matched := uuid.New()
	return []knowledge.ConceptCandidate{
			{Name: "Gradient Descent", Definition: "iterative minimisation"},
			{Name: "Learning Rate", Definition: "step size"},
			{Name: "Loss Function", Definition: "objective"},
		}, []knowledge.ConflictDecision{
			{ConceptName: "Gradient Descent", Decision: knowledge.DecisionNew, MergeStrategy: knowledge.StrategyCreateNew, Confidence: 1},
			{ConceptName: "Learning Rate", Decision: knowledge.DecisionConflict, MergeStrategy: knowledge.StrategyFlagForReview, Confidence: 0.6, MatchedConceptID: &matched},
			{ConceptName: "Loss Function", Decision: knowledge.DecisionDuplicate, MergeStrategy: knowledge.StrategySkip, Confidence: 0.97, MatchedConceptID: &matched},
		}
}

func TestCreatePreselectsNonDuplicates(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	concepts, decisions := threeItems()

	s, err := m.Create(ctx, uuid.New(), uuid.New(), concepts, decisions)
	require.NoError(t, err)
	require.Equal(t, knowledge.SessionPending, s.Status)
	require.Len(t, s.Concepts, 3)
	require.True(t, s.Concepts[0].IsSelected)
	require.True(t, s.Concepts[1].IsSelected)
	require.False(t, s.Concepts[2].IsSelected)
	require.True(t, s.Concepts[2].IsDuplicate)
	require.NotNil(t, s.Concepts[2].MatchedConceptID)
	require.WithinDuration(t, s.CreatedAt.Add(DefaultTTL), s.ExpiresAt, time.Second)

	_, err = m.Create(ctx, uuid.Nil, uuid.New(), concepts, decisions)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestGetFallsBackToDurableStore(t *testing.T) {
	ctx := context.Background()
	m, _, repo := newTestManager(t)
	concepts, decisions := threeItems()
	s, err := m.Create(ctx, uuid.New(), uuid.New(), concepts, decisions)
	require.NoError(t, err)

	// A second manager with no cache stands in for another process or a lost cache.
	other := NewManager(repo, nil, &recordingBuilder{}, Config{}, testutil.Logger(t))
	got, err := other.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Len(t, got.Concepts, 3)
	require.Equal(t, s.Concepts[1].ItemID, got.Concepts[1].ItemID)

	_, err = m.Get(ctx, uuid.New())
	require.ErrorIs(t, err, apperr.ErrSessionNotFound)
	require.NotErrorIs(t, err, apperr.ErrSessionExpired)
}

func TestApproveTwiceBuildsOnce(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newTestManager(t)
	concepts, decisions := threeItems()
	s, err := m.Create(ctx, uuid.New(), uuid.New(), concepts, decisions)
	require.NoError(t, err)

	res, err := m.Approve(ctx, s.ID, knowledge.Approval{})
	require.NoError(t, err)
	require.Equal(t, 2, res.ConceptsCreated)

	_, err = m.Approve(ctx, s.ID, knowledge.Approval{})
	require.ErrorIs(t, err, apperr.ErrSessionNotPending)
	require.Equal(t, 1, b.Calls())

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, knowledge.SessionApproved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	require.NotNil(t, got.Result)
	require.Equal(t, 2, got.Result.ConceptsCreated)
}

func TestConcurrentApprovalsAcrossManagers(t *testing.T) {
	ctx := context.Background()
	log := testutil.Logger(t)
	repo := reviewrepo.NewSessionRepo(testutil.DB(t), log)
	b := &recordingBuilder{}
	managers := []*Manager{
		NewManager(repo, cache.NewLocalSessionCache(8, time.Hour, log), b, Config{}, log),
		NewManager(repo, cache.NewLocalSessionCache(8, time.Hour, log), b, Config{}, log),
	}
	concepts, decisions := threeItems()
	s, err := managers[0].Create(ctx, uuid.New(), uuid.New(), concepts, decisions)
	require.NoError(t, err)

	var wins, notPending int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			_, err := m.Approve(ctx, s.ID, knowledge.Approval{})
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, apperr.ErrSessionNotPending):
				atomic.AddInt32(&notPending, 1)
			}
		}(managers[i%2])
	}
	wg.Wait()
	require.EqualValues(t, 1, wins)
	require.EqualValues(t, 7, notPending)
	require.Equal(t, 1, b.Calls())
}

func TestApproveFinalSet(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newTestManager(t)
	concepts := []knowledge.ConceptCandidate{
		{Name: "Tensor"},
		{Name: "Scalar"},
		{Name: "Vector"},
	}
	s, err := m.Create(ctx, uuid.New(), uuid.New(), concepts, nil)
	require.NoError(t, err)

	// Deselect one item, keep the other two, add one.
	items := append([]knowledge.ReviewConcept(nil), s.Concepts...)
	items[1].IsSelected = false
	_, err = m.Update(ctx, s.ID, items)
	require.NoError(t, err)

	_, err = m.Approve(ctx, s.ID, knowledge.Approval{
		AddedConcepts: []knowledge.ConceptCandidate{{Name: "Matrix", Definition: "2-d array"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, b.Calls())
	require.Len(t, b.concepts, 3)
	require.Len(t, b.decisions, 3)
	var names []string
	for _, c := range b.concepts {
		names = append(names, c.Name)
	}
	require.Equal(t, []string{"Tensor", "Vector", "Matrix"}, names)
	require.Equal(t, knowledge.StrategyCreateNew, b.decisions[2].MergeStrategy)
}

func TestApproveRemovesAndRewritesDecisions(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newTestManager(t)
	concepts, decisions := threeItems()
	s, err := m.Create(ctx, uuid.New(), uuid.New(), concepts, decisions)
	require.NoError(t, err)

	// Re-select the duplicate; remove the first item at approve time.
	items := append([]knowledge.ReviewConcept(nil), s.Concepts...)
	items[2].IsSelected = true
	_, err = m.Update(ctx, s.ID, items)
	require.NoError(t, err)

	_, err = m.Approve(ctx, s.ID, knowledge.Approval{RemovedItemIDs: []uuid.UUID{s.Concepts[0].ItemID}})
	require.NoError(t, err)
	require.Len(t, b.concepts, 2)
	require.Equal(t, "Learning Rate", b.concepts[0].Name)
	require.Equal(t, knowledge.StrategyCreateNew, b.decisions[0].MergeStrategy, "flagged items are approved as new")
	require.Equal(t, "Loss Function", b.concepts[1].Name)
	require.Equal(t, knowledge.StrategyMerge, b.decisions[1].MergeStrategy, "a selected duplicate enriches its match")
	require.Equal(t, *decisions[2].MatchedConceptID, *b.decisions[1].MatchedConceptID)
}

func TestUpdateMarksUserModified(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	concepts, decisions := threeItems()
	s, err := m.Create(ctx, uuid.New(), uuid.New(), concepts, decisions)
	require.NoError(t, err)

	items := append([]knowledge.ReviewConcept(nil), s.Concepts...)
	items[0].Candidate.Definition = "first-order iterative optimisation"
	items = append(items, knowledge.ReviewConcept{Candidate: knowledge.ConceptCandidate{Name: "Momentum"}})

	got, err := m.Update(ctx, s.ID, items)
	require.NoError(t, err)
	require.Len(t, got.Concepts, 4)
	require.True(t, got.Concepts[0].IsUserModified)
	require.False(t, got.Concepts[1].IsUserModified)
	require.False(t, got.Concepts[2].IsUserModified)
	require.True(t, got.Concepts[2].IsDuplicate, "server-owned flags survive updates")
	require.True(t, got.Concepts[3].IsUserModified)
	require.True(t, got.Concepts[3].IsSelected)
	require.NotEqual(t, uuid.Nil, got.Concepts[3].ItemID)

	reread, err := NewManager(m.repo, nil, &recordingBuilder{}, Config{}, testutil.Logger(t)).Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "first-order iterative optimisation", reread.Concepts[0].Candidate.Definition)

	_, err = m.Update(ctx, uuid.New(), items)
	require.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newTestManager(t)
	concepts, decisions := threeItems()
	s, err := m.Create(ctx, uuid.New(), uuid.New(), concepts, decisions)
	require.NoError(t, err)

	ok, err := m.Cancel(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Cancel(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrSessionNotPending)
	require.False(t, ok)

	_, err = m.Approve(ctx, s.ID, knowledge.Approval{})
	require.ErrorIs(t, err, apperr.ErrSessionNotPending)
	_, err = m.Update(ctx, s.ID, s.Concepts)
	require.ErrorIs(t, err, apperr.ErrSessionNotPending)
	require.Zero(t, b.Calls())

	_, err = m.Cancel(ctx, uuid.New())
	require.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestExpiredSessionsAreRejected(t *testing.T) {
	ctx := context.Background()
	m, b, repo := newTestManager(t)
	concepts, decisions := threeItems()
	s, err := m.Create(ctx, uuid.New(), uuid.New(), concepts, decisions)
	require.NoError(t, err)

	later := s.ExpiresAt.Add(time.Minute)
	m.now = func() time.Time { return later }

	_, err = m.Get(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrSessionNotFound)
	require.ErrorIs(t, err, apperr.ErrSessionExpired)

	row, err := repo.GetByID(ctx, nil, s.ID)
	require.NoError(t, err)
	require.Equal(t, string(knowledge.SessionExpired), row.Status)

	_, err = m.Approve(ctx, s.ID, knowledge.Approval{})
	require.ErrorIs(t, err, apperr.ErrSessionExpired)
	_, err = m.Update(ctx, s.ID, s.Concepts)
	require.ErrorIs(t, err, apperr.ErrSessionNotFound)
	_, err = m.Cancel(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrSessionExpired)
	require.Zero(t, b.Calls())
}

func TestListPendingSkipsExpired(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	owner := uuid.New()
	concepts, decisions := threeItems()

	short := NewManager(m.repo, m.cache, m.builder, Config{TTL: time.Minute}, testutil.Logger(t))
	_, err := short.Create(ctx, owner, uuid.New(), concepts, decisions)
	require.NoError(t, err)
	live, err := m.Create(ctx, owner, uuid.New(), concepts, decisions)
	require.NoError(t, err)

	now := time.Now().UTC().Add(time.Hour)
	m.now = func() time.Time { return now }
	got, err := m.ListPending(ctx, owner)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, live.ID, got[0].ID)

	n, err := m.ExpireStale(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "already marked by the listing")
}

func TestNeedsReview(t *testing.T) {
	newD := knowledge.ConflictDecision{Decision: knowledge.DecisionNew, MergeStrategy: knowledge.StrategyCreateNew, Confidence: 0.2}
	sureDup := knowledge.ConflictDecision{Decision: knowledge.DecisionDuplicate, MergeStrategy: knowledge.StrategySkip, Confidence: 0.97}
	unsure := knowledge.ConflictDecision{Decision: knowledge.DecisionEnhance, MergeStrategy: knowledge.StrategyMerge, Confidence: 0.81}
	conflict := knowledge.ConflictDecision{Decision: knowledge.DecisionConflict, MergeStrategy: knowledge.StrategyFlagForReview, Confidence: 0.99}

	cases := []struct {
		name string
		mode Mode
		in   []knowledge.ConflictDecision
		want bool
	}{
		{"auto confident", ModeAuto, []knowledge.ConflictDecision{newD, sureDup}, false},
		{"auto unsure", ModeAuto, []knowledge.ConflictDecision{newD, unsure}, true},
		{"auto conflict", ModeAuto, []knowledge.ConflictDecision{conflict}, true},
		{"always", ModeAlways, []knowledge.ConflictDecision{newD}, true},
		{"always empty", ModeAlways, nil, false},
		{"never", ModeNever, []knowledge.ConflictDecision{conflict}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, NeedsReview(tc.mode, tc.in, 0), tc.name)
	}

	_, err := ParseMode("sometimes")
	require.Error(t, err)
	mode, err := ParseMode(" Always ")
	require.NoError(t, err)
	require.Equal(t, ModeAlways, mode)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	id := uuid.New()
	var wg sync.WaitGroup
	var inside int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(id)
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("%d holders inside the lock", n)
			}
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	require.Zero(t, k.size())
}
