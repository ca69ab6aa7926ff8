// Package domain contains the subscription state machine types.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
)

// Subscription is one recurring points plan held by a user. At most one
// non-cancelled row exists per (user_id, plan_key).
//
// episode increments on every ACTIVE to OVERDUE transition and scopes the
// dunning-email uniqueness: a subscription that recovers and later goes
// overdue again walks the full dunning ladder from level 1.
type Subscription struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	UserID             snowflake.ID      `gorm:"not null;index"`
	UserRole           string            `gorm:"type:text;not null;default:''"`
	PlanKey            string            `gorm:"type:text;not null"`
	PlanName           string            `gorm:"type:text;not null;default:''"`
	PointsPerInterval  int64             `gorm:"not null"`
	IntervalUnit       string            `gorm:"type:text;not null"`
	IntervalCount      int               `gorm:"not null;default:1"`
	Status             Status            `gorm:"type:text;not null;default:'ACTIVE'"`
	Amount             int64             `gorm:"not null;default:0"`
	Currency           string            `gorm:"type:text;not null;default:'USD'"`
	NextRenewalAt      *time.Time        `gorm:"index"`
	LastRenewalAt      *time.Time        `gorm:""`
	LastPaymentAttempt *time.Time        `gorm:""`
	FailedPaymentCount int               `gorm:"not null;default:0"`
	DunningLevel       int               `gorm:"not null;default:0"`
	Episode            int               `gorm:"not null;default:0"`
	PaymentMethod      string            `gorm:"type:text;not null;default:''"`
	Reminder3dSent     bool              `gorm:"column:reminder_3d_sent;not null;default:false"`
	Reminder1dSent     bool              `gorm:"column:reminder_1d_sent;not null;default:false"`
	Meta               datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CancelledAt        *time.Time        `gorm:""`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Email returns the customer address recorded in meta, if any.
func (s *Subscription) Email() string {
	if s.Meta == nil {
		return ""
	}
	if v, ok := s.Meta["email"].(string); ok {
		return v
	}
	return ""
}

// CanTransition reports whether the manual edge from one status to another
// is allowed. CANCELLED is terminal. OVERDUE returns to ACTIVE only through
// a successful payment, which resets the dunning counters; an operator
// resume would leave a live subscription mid-ladder.
func CanTransition(from, to Status) bool {
	if from == StatusCancelled {
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusPaused:
		return from == StatusActive
	case StatusActive:
		return from == StatusPaused
	case StatusOverdue:
		return from == StatusActive
	default:
		return false
	}
}
