package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subdomain "github.com/snapstock/pointsbilling/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WorkSubscription is the slim row the scheduler claims per tick.
type WorkSubscription struct {
	ID                 snowflake.ID
	UserID             snowflake.ID
	UserRole           string
	PlanName           string
	Status             subdomain.Status
	Amount             int64
	Currency           string
	NextRenewalAt      *time.Time
	LastPaymentAttempt *time.Time
	FailedPaymentCount int
	DunningLevel       int
	Episode            int
	Reminder3dSent     bool `gorm:"column:reminder_3d_sent"`
	Reminder1dSent     bool `gorm:"column:reminder_1d_sent"`
	Meta               datatypes.JSONMap
}

// Email returns the customer address recorded in meta, if any.
func (w WorkSubscription) Email() string {
	if w.Meta == nil {
		return ""
	}
	if v, ok := w.Meta["email"].(string); ok {
		return v
	}
	return ""
}

const workColumns = `id, user_id, user_role, plan_name, status, amount, currency,
	next_renewal_at, last_payment_attempt, failed_payment_count, dunning_level,
	episode, reminder_3d_sent, reminder_1d_sent, meta`

// fetchOverdueForWork reads a page of overdue subscriptions. The claim
// transaction is short: row locks are released on return, so SKIP LOCKED
// only spreads load between ticks running at the same instant. Correctness
// under concurrency comes from the dunning_level CAS and the dunning_emails
// unique index, not from these locks. afterID makes the scan resumable.
func (s *Scheduler) fetchOverdueForWork(ctx context.Context, afterID snowflake.ID, limit int) ([]WorkSubscription, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var subs []WorkSubscription
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		return tx.WithContext(claimCtx).Raw(
			`SELECT `+workColumns+`
			 FROM subscriptions
			 WHERE status = ? AND id > ?
			 ORDER BY id
			 FOR UPDATE SKIP LOCKED
			 LIMIT ?`,
			subdomain.StatusOverdue,
			afterID,
			limit,
		).Scan(&subs).Error
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// fetchReminderCandidates returns active subscriptions whose renewal falls
// inside the widest reminder window and that still have a flag unset.
func (s *Scheduler) fetchReminderCandidates(ctx context.Context, afterID snowflake.ID, cutoff time.Time, limit int) ([]WorkSubscription, error) {
	var subs []WorkSubscription
	err := s.db.WithContext(ctx).Raw(
		`SELECT `+workColumns+`
		 FROM subscriptions
		 WHERE status = ?
		   AND id > ?
		   AND next_renewal_at IS NOT NULL
		   AND next_renewal_at <= ?
		   AND (reminder_3d_sent = ? OR reminder_1d_sent = ?)
		 ORDER BY id
		 LIMIT ?`,
		subdomain.StatusActive,
		afterID,
		cutoff.UTC(),
		false,
		false,
		limit,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}
