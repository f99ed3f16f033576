package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/graphrecall/internal/data/cache"
	reviewrepo "github.com/yungbote/graphrecall/internal/data/repos/review"
	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	apperr "github.com/yungbote/graphrecall/internal/pkg/errors"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

const DefaultTTL = 24 * time.Hour

// GraphBuilder is the single write path a session hands its approved set to.
type GraphBuilder interface {
	Build(ctx context.Context, ownerID uuid.UUID, concepts []knowledge.ConceptCandidate, decisions []knowledge.ConflictDecision, documentID uuid.UUID) (knowledge.BuildResult, error)
}

type Config struct {
	TTL time.Duration
}

// Manager owns the review session lifecycle. The durable repo is authoritative; the
// cache is read-through and written after every durable write.
type Manager struct {
	repo    reviewrepo.SessionRepo
	cache   cache.SessionCache
	builder GraphBuilder
	ttl     time.Duration
	locks   *keyedMutex
	now     func() time.Time
	log     *logger.Logger
}

func NewManager(repo reviewrepo.SessionRepo, sessionCache cache.SessionCache, builder GraphBuilder, cfg Config, baseLog *logger.Logger) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sessionCache == nil {
		sessionCache = cache.NopSessionCache{}
	}
	return &Manager{
		repo:    repo,
		cache:   sessionCache,
		builder: builder,
		ttl:     ttl,
		locks:   newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
		log:     baseLog.With("service", "ReviewSessionManager"),
	}
}

// Create opens a pending session. Items the resolver judged duplicates start deselected.
func (m *Manager) Create(ctx context.Context, ownerID, documentID uuid.UUID, concepts []knowledge.ConceptCandidate, decisions []knowledge.ConflictDecision) (*knowledge.ReviewSession, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("create review session: owner required: %w", apperr.ErrInvalidArgument)
	}
	now := m.now()
	s := &knowledge.ReviewSession{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		DocumentID: documentID,
		Status:     knowledge.SessionPending,
		Decisions:  append([]knowledge.ConflictDecision(nil), decisions...),
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}
	byName := indexDecisions(decisions)
	for i := range concepts {
		c := concepts[i]
		c.Sanitize()
		d, ok := decisionFor(i, c.NameKey(), decisions, byName)
		dup := ok && (d.Decision == knowledge.DecisionDuplicate || d.MergeStrategy == knowledge.StrategySkip)
		s.Concepts = append(s.Concepts, knowledge.ReviewConcept{
			ItemID:           uuid.New(),
			Candidate:        c,
			IsSelected:       !dup,
			IsDuplicate:      dup,
			MatchedConceptID: d.MatchedConceptID,
		})
	}

	snap, err := snapshotJSON(s)
	if err != nil {
		return nil, err
	}
	row := &knowledge.ReviewSessionRow{
		ID:         s.ID,
		OwnerID:    ownerID,
		DocumentID: documentID,
		Status:     string(knowledge.SessionPending),
		Snapshot:   snap,
		CreatedAt:  now,
		ExpiresAt:  s.ExpiresAt,
	}
	if err := m.repo.Create(ctx, nil, row); err != nil {
		return nil, fmt.Errorf("create review session: %w", err)
	}
	m.cache.Set(ctx, s)
	m.log.Info("review session created", "session_id", s.ID, "owner_id", ownerID, "items", len(s.Concepts))
	return s, nil
}

// Get returns the session unless it is missing or past expiry. An expired pending
// session is marked expired and evicted before the error is returned.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*knowledge.ReviewSession, error) {
	s, ok := m.cache.Get(ctx, id)
	if !ok {
		var err error
		s, err = m.load(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	if s.ExpiredAt(m.now()) || s.Status == knowledge.SessionExpired {
		return nil, m.expire(ctx, s.ID)
	}
	if !ok {
		m.cache.Set(ctx, s)
	}
	return s, nil
}

// Update replaces the item list. Items whose content or selection changed, and items
// the reviewer added, are flagged as user modified.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, concepts []knowledge.ReviewConcept) (*knowledge.ReviewSession, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.loadPending(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := make(map[uuid.UUID]knowledge.ReviewConcept, len(s.Concepts))
	for _, rc := range s.Concepts {
		prev[rc.ItemID] = rc
	}
	next := make([]knowledge.ReviewConcept, 0, len(concepts))
	for _, in := range concepts {
		in.Candidate.Sanitize()
		old, known := prev[in.ItemID]
		if !known || in.ItemID == uuid.Nil {
			// Added by the reviewer: a fresh id, selected, never a duplicate.
			next = append(next, knowledge.ReviewConcept{
				ItemID:         uuid.New(),
				Candidate:      in.Candidate,
				IsSelected:     true,
				IsUserModified: true,
			})
			continue
		}
		delete(prev, in.ItemID)
		changed := old.IsSelected != in.IsSelected || !sameCandidate(old.Candidate, in.Candidate)
		next = append(next, knowledge.ReviewConcept{
			ItemID:           old.ItemID,
			Candidate:        in.Candidate,
			IsSelected:       in.IsSelected,
			IsDuplicate:      old.IsDuplicate,
			IsUserModified:   old.IsUserModified || changed,
			MatchedConceptID: old.MatchedConceptID,
		})
	}
	s.Concepts = next

	snap, err := snapshotJSON(s)
	if err != nil {
		return nil, err
	}
	ok, err := m.repo.UpdateSnapshotIfPending(ctx, nil, id, snap, m.now())
	if err != nil {
		return nil, fmt.Errorf("update review session: %w", err)
	}
	if !ok {
		return nil, m.lostRace(ctx, id)
	}
	m.cache.Set(ctx, s)
	return s, nil
}

// Approve claims the session and builds its final set. The claim is durable and made
// before the build, so a session is built at most once across processes.
func (m *Manager) Approve(ctx context.Context, id uuid.UUID, approval knowledge.Approval) (knowledge.BuildResult, error) {
	var res knowledge.BuildResult
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.loadPending(ctx, id)
	if err != nil {
		return res, err
	}
	concepts, decisions := finalSet(s, approval)

	now := m.now()
	claimed, err := m.repo.TransitionFromPending(ctx, nil, id, knowledge.SessionApproved, now)
	if err != nil {
		return res, fmt.Errorf("approve review session: %w", err)
	}
	if !claimed {
		return res, m.lostRace(ctx, id)
	}
	log := m.log.With("session_id", id.String(), "owner_id", s.OwnerID.String())
	s.Status = knowledge.SessionApproved
	s.ResolvedAt = &now

	res, err = m.builder.Build(ctx, s.OwnerID, concepts, decisions, s.DocumentID)
	if err != nil {
		log.Error("approved session build failed", "error", err)
		m.cache.Set(ctx, s)
		return res, fmt.Errorf("approve review session: %w", err)
	}
	s.Result = &res
	if raw, err := json.Marshal(res); err == nil {
		if err := m.repo.SetResult(ctx, nil, id, datatypes.JSON(raw), m.now()); err != nil {
			log.Warn("persist build result failed", "error", err)
		}
	}
	m.cache.Set(ctx, s)
	log.Info("review session approved",
		"approved", len(concepts),
		"removed", len(approval.RemovedItemIDs),
		"added", len(approval.AddedConcepts),
		"created", res.ConceptsCreated,
		"updated", res.ConceptsUpdated,
	)
	return res, nil
}

// Cancel closes a pending session without touching the graph.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.loadPending(ctx, id)
	if err != nil {
		return false, err
	}
	now := m.now()
	ok, err := m.repo.TransitionFromPending(ctx, nil, id, knowledge.SessionCancelled, now)
	if err != nil {
		return false, fmt.Errorf("cancel review session: %w", err)
	}
	if !ok {
		return false, m.lostRace(ctx, id)
	}
	s.Status = knowledge.SessionCancelled
	s.ResolvedAt = &now
	m.cache.Set(ctx, s)
	m.log.Info("review session cancelled", "session_id", id)
	return true, nil
}

// ListPending returns the owner's live sessions, newest first. Sessions found past
// expiry are marked and left out.
func (m *Manager) ListPending(ctx context.Context, ownerID uuid.UUID) ([]*knowledge.ReviewSession, error) {
	rows, err := m.repo.ListPendingByOwner(ctx, nil, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list review sessions: %w", err)
	}
	now := m.now()
	out := make([]*knowledge.ReviewSession, 0, len(rows))
	for _, row := range rows {
		s, err := fromRow(row)
		if err != nil {
			m.log.Warn("skipping unreadable session row", "session_id", row.ID, "error", err)
			continue
		}
		if s.ExpiredAt(now) {
			_ = m.expire(ctx, s.ID)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ExpireStale marks every pending session past its horizon as expired. It is an
// operator tool; reads detect expiry on their own.
func (m *Manager) ExpireStale(ctx context.Context) (int64, error) {
	n, err := m.repo.ExpirePendingBefore(ctx, nil, m.now())
	if err != nil {
		return 0, fmt.Errorf("expire review sessions: %w", err)
	}
	if n > 0 {
		m.log.Info("expired stale review sessions", "count", n)
	}
	return n, nil
}

func (m *Manager) load(ctx context.Context, id uuid.UUID) (*knowledge.ReviewSession, error) {
	row, err := m.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, fmt.Errorf("load review session: %w", err)
	}
	if row == nil {
		return nil, apperr.ErrSessionNotFound
	}
	return fromRow(row)
}

// loadPending reads the durable row, never the cache, because the caller is about to
// mutate it.
func (m *Manager) loadPending(ctx context.Context, id uuid.UUID) (*knowledge.ReviewSession, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.ExpiredAt(m.now()) || s.Status == knowledge.SessionExpired {
		return nil, m.expire(ctx, id)
	}
	if s.Status != knowledge.SessionPending {
		m.cache.Set(ctx, s)
		return nil, fmt.Errorf("session %s is %s: %w", id, s.Status, apperr.ErrSessionNotPending)
	}
	return s, nil
}

func (m *Manager) expire(ctx context.Context, id uuid.UUID) error {
	if _, err := m.repo.TransitionFromPending(ctx, nil, id, knowledge.SessionExpired, m.now()); err != nil {
		m.log.Warn("mark session expired failed", "session_id", id, "error", err)
	}
	m.cache.Delete(ctx, id)
	return apperr.Expired(id.String())
}

// lostRace explains a conditional write that matched no row.
func (m *Manager) lostRace(ctx context.Context, id uuid.UUID) error {
	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == knowledge.SessionExpired || s.ExpiredAt(m.now()) {
		return m.expire(ctx, id)
	}
	m.cache.Set(ctx, s)
	return fmt.Errorf("session %s is %s: %w", id, s.Status, apperr.ErrSessionNotPending)
}

// finalSet is the selected, not removed items plus the reviewer's additions, each
// paired with the decision the builder should apply.
func finalSet(s *knowledge.ReviewSession, approval knowledge.Approval) ([]knowledge.ConceptCandidate, []knowledge.ConflictDecision) {
	removed := make(map[uuid.UUID]bool, len(approval.RemovedItemIDs))
	for _, id := range approval.RemovedItemIDs {
		removed[id] = true
	}
	byName := indexDecisions(s.Decisions)
	var (
		concepts  []knowledge.ConceptCandidate
		decisions []knowledge.ConflictDecision
	)
	for i, rc := range s.Concepts {
		if !rc.IsSelected || removed[rc.ItemID] {
			continue
		}
		d, ok := decisionFor(i, rc.Candidate.NameKey(), s.Decisions, byName)
		if !ok {
			d = newDecision(rc.Candidate.Name)
		}
		d = approvedDecision(rc, d)
		concepts = append(concepts, rc.Candidate)
		decisions = append(decisions, d)
	}
	for _, c := range approval.AddedConcepts {
		c.Sanitize()
		if c.NameKey() == "" {
			continue
		}
		concepts = append(concepts, c)
		decisions = append(decisions, newDecision(c.Name))
	}
	return concepts, decisions
}

// approvedDecision turns a resolver decision into what the reviewer signed off on.
// Flagged items are approved as new concepts, and a duplicate the reviewer selected
// anyway enriches the matched node.
func approvedDecision(rc knowledge.ReviewConcept, d knowledge.ConflictDecision) knowledge.ConflictDecision {
	d.ConceptName = rc.Candidate.Name
	if rc.IsUserModified {
		d.UpdatedDefinition = ""
	}
	switch {
	case d.MergeStrategy == knowledge.StrategyFlagForReview:
		d.MergeStrategy = knowledge.StrategyCreateNew
		if d.Decision != knowledge.DecisionConflict {
			d.Decision = knowledge.DecisionNew
		}
	case rc.IsDuplicate && d.MergeStrategy == knowledge.StrategySkip:
		if rc.MatchedConceptID != nil {
			d.Decision = knowledge.DecisionEnhance
			d.MergeStrategy = knowledge.StrategyMerge
		} else {
			d = newDecision(rc.Candidate.Name)
		}
	}
	return d
}

func newDecision(name string) knowledge.ConflictDecision {
	return knowledge.ConflictDecision{
		ConceptName:   name,
		Decision:      knowledge.DecisionNew,
		MergeStrategy: knowledge.StrategyCreateNew,
		Confidence:    1.0,
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

func decisionFor(i int, key string, decisions []knowledge.ConflictDecision, byName map[string]knowledge.ConflictDecision) (knowledge.ConflictDecision, bool) {
	if i < len(decisions) && knowledge.NormalizeName(decisions[i].ConceptName) == key {
		return decisions[i], true
	}
	d, ok := byName[key]
	return d, ok
}

// sameCandidate compares wire forms so nil and empty lists are equal.
func sameCandidate(a, b knowledge.ConceptCandidate) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

func snapshotJSON(s *knowledge.ReviewSession) (datatypes.JSON, error) {
	raw, err := json.Marshal(knowledge.SessionSnapshot{Concepts: s.Concepts, Decisions: s.Decisions})
	if err != nil {
		return nil, fmt.Errorf("encode session snapshot: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func fromRow(row *knowledge.ReviewSessionRow) (*knowledge.ReviewSession, error) {
	s := &knowledge.ReviewSession{
		ID:         row.ID,
		OwnerID:    row.OwnerID,
		DocumentID: row.DocumentID,
		Status:     knowledge.SessionStatus(row.Status),
		CreatedAt:  row.CreatedAt,
		ExpiresAt:  row.ExpiresAt,
		ResolvedAt: row.ResolvedAt,
	}
	if len(row.Snapshot) > 0 {
		var snap knowledge.SessionSnapshot
		if err := json.Unmarshal(row.Snapshot, &snap); err != nil {
			return nil, fmt.Errorf("decode session %s snapshot: %w", row.ID, err)
		}
		s.Concepts = snap.Concepts
		s.Decisions = snap.Decisions
	}
	if len(row.Result) > 0 && string(row.Result) != "null" {
		var res knowledge.BuildResult
		if err := json.Unmarshal(row.Result, &res); err != nil {
			return nil, fmt.Errorf("decode session %s result: %w", row.ID, err)
		}
		s.Result = &res
	}
	return s, nil
}
