package knowledge

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ReviewSessionRow is the durable, authoritative record of a review session. Snapshot
// holds the reviewable concepts and decisions; Result holds the approval BuildResult.
type ReviewSessionRow struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID    uuid.UUID      `gorm:"type:uuid;column:owner_id;not null;index:idx_review_session_owner_status,priority:1" json:"owner_id"`
	DocumentID uuid.UUID      `gorm:"type:uuid;column:document_id;index" json:"document_id"`
	Status     string         `gorm:"column:status;not null;default:'pending';index:idx_review_session_owner_status,priority:2" json:"status"`
	Snapshot   datatypes.JSON `gorm:"column:snapshot" json:"snapshot"`
	Result     datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
	ExpiresAt  time.Time      `gorm:"column:expires_at;not null;index" json:"expires_at"`
	ResolvedAt *time.Time     `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
}

func (ReviewSessionRow) TableName() string { return "review_session" }

// SessionSnapshot is the serialized payload of ReviewSessionRow.Snapshot.
type SessionSnapshot struct {
	Concepts  []ReviewConcept    `json:"concepts"`
	Decisions []ConflictDecision `json:"decisions"`
}
