package graph

import (
	"time"

	"github.com/google/uuid"
)

// Lease holds the claim columns shared by every table the claim coordinator
// advances. A row is held while LeaseOwner is set and LeaseExpiresAt is in the
// future; FailedAt marks rows that stopped retrying automatically.
type Lease struct {
	LeaseOwner     *uuid.UUID `gorm:"type:uuid;column:lease_owner;index" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`
	Attempts       int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError      string     `gorm:"column:last_error" json:"last_error,omitempty"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	NextAttemptAt  *time.Time `gorm:"column:next_attempt_at;index" json:"next_attempt_at,omitempty"`
	FailedAt       *time.Time `gorm:"column:failed_at;index" json:"failed_at,omitempty"`
}

func (l Lease) Held(now time.Time) bool {
	return l.LeaseOwner != nil && l.LeaseExpiresAt != nil && !l.LeaseExpiresAt.Before(now)
}

func (l Lease) TerminalFailed() bool { return l.FailedAt != nil }
