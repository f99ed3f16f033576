package knowledge

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionApproved  SessionStatus = "approved"
	SessionCancelled SessionStatus = "cancelled"
	SessionExpired   SessionStatus = "expired"
)

func (s SessionStatus) IsTerminal() bool {
	return s == SessionApproved || s == SessionCancelled || s == SessionExpired
}

// ReviewConcept is one reviewable item inside a session.
type ReviewConcept struct {
	ItemID           uuid.UUID        `json:"item_id"`
	Candidate        ConceptCandidate `json:"candidate"`
	IsSelected       bool             `json:"is_selected"`
	IsDuplicate      bool             `json:"is_duplicate"`
	IsUserModified   bool             `json:"is_user_modified"`
	MatchedConceptID *uuid.UUID       `json:"matched_concept_id,omitempty"`
}

type ReviewSession struct {
	ID         uuid.UUID          `json:"id"`
	OwnerID    uuid.UUID          `json:"owner_id"`
	DocumentID uuid.UUID          `json:"document_id"`
	Status     SessionStatus      `json:"status"`
	Concepts   []ReviewConcept    `json:"concepts"`
	Decisions  []ConflictDecision `json:"decisions"`
	CreatedAt  time.Time          `json:"created_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
	Result     *BuildResult       `json:"result,omitempty"`
}

// ExpiredAt reports whether a pending session is past its horizon at now.
func (s *ReviewSession) ExpiredAt(now time.Time) bool {
	return s.Status == SessionPending && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Approval carries the reviewer's final edits at approve time.
type Approval struct {
	RemovedItemIDs []uuid.UUID        `json:"removed_item_ids,omitempty"`
	AddedConcepts  []ConceptCandidate `json:"added_concepts,omitempty"`
}
