package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subdomain "github.com/snapstock/pointsbilling/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const selectColumns = `id, user_id, user_role, plan_key, plan_name, points_per_interval,
	interval_unit, interval_count, status, amount, currency, next_renewal_at,
	last_renewal_at, last_payment_attempt, failed_payment_count, dunning_level,
	episode, payment_method, reminder_3d_sent, reminder_1d_sent, meta,
	cancelled_at, created_at, updated_at`

type repo struct{}

func Provide() subdomain.Repository {
	return &repo{}
}

func (r *repo) InsertIgnoreDuplicate(ctx context.Context, db *gorm.DB, sub *subdomain.Subscription) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, user_role, plan_key, plan_name, points_per_interval,
			interval_unit, interval_count, status, amount, currency, next_renewal_at,
			last_renewal_at, last_payment_attempt, failed_payment_count, dunning_level,
			episode, payment_method, reminder_3d_sent, reminder_1d_sent, meta,
			cancelled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, plan_key) WHERE status <> 'CANCELLED' DO NOTHING`,
		sub.ID,
		sub.UserID,
		sub.UserRole,
		sub.PlanKey,
		sub.PlanName,
		sub.PointsPerInterval,
		sub.IntervalUnit,
		sub.IntervalCount,
		sub.Status,
		sub.Amount,
		sub.Currency,
		sub.NextRenewalAt,
		sub.LastRenewalAt,
		sub.LastPaymentAttempt,
		sub.FailedPaymentCount,
		sub.DunningLevel,
		sub.Episode,
		sub.PaymentMethod,
		sub.Reminder3dSent,
		sub.Reminder1dSent,
		sub.Meta,
		sub.CancelledAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subdomain.Subscription, error) {
	var sub subdomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subdomain.Subscription, error) {
	var sub subdomain.Subscription
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Table("subscriptions").
		Select(selectColumns).
		Where("id = ?", id).
		Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindLiveByUserPlan(ctx context.Context, db *gorm.DB, userID snowflake.ID, planKey string) (*subdomain.Subscription, error) {
	var sub subdomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM subscriptions
		 WHERE user_id = ? AND plan_key = ? AND status <> 'CANCELLED'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
		planKey,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *subdomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			user_role = ?, plan_name = ?, points_per_interval = ?, interval_unit = ?,
			interval_count = ?, status = ?, amount = ?, currency = ?, next_renewal_at = ?,
			last_renewal_at = ?, last_payment_attempt = ?, failed_payment_count = ?,
			dunning_level = ?, episode = ?, payment_method = ?, reminder_3d_sent = ?,
			reminder_1d_sent = ?, meta = ?, cancelled_at = ?, updated_at = ?
		 WHERE id = ?`,
		sub.UserRole,
		sub.PlanName,
		sub.PointsPerInterval,
		sub.IntervalUnit,
		sub.IntervalCount,
		sub.Status,
		sub.Amount,
		sub.Currency,
		sub.NextRenewalAt,
		sub.LastRenewalAt,
		sub.LastPaymentAttempt,
		sub.FailedPaymentCount,
		sub.DunningLevel,
		sub.Episode,
		sub.PaymentMethod,
		sub.Reminder3dSent,
		sub.Reminder1dSent,
		sub.Meta,
		sub.CancelledAt,
		time.Now().UTC(),
		sub.ID,
	).Error
}

func (r *repo) CASDunningLevel(ctx context.Context, db *gorm.DB, id snowflake.ID, fromLevel, toLevel int) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET dunning_level = ?, updated_at = ?
		 WHERE id = ? AND dunning_level = ? AND status = ?`,
		toLevel,
		time.Now().UTC(),
		id,
		fromLevel,
		subdomain.StatusOverdue,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CancelAtLevel(ctx context.Context, db *gorm.DB, id snowflake.ID, fromLevel int, cancelledAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, dunning_level = ?, cancelled_at = ?, updated_at = ?
		 WHERE id = ? AND dunning_level = ? AND status = ?`,
		subdomain.StatusCancelled,
		fromLevel+1,
		cancelledAt.UTC(),
		time.Now().UTC(),
		id,
		fromLevel,
		subdomain.StatusOverdue,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SetReminderSent(ctx context.Context, db *gorm.DB, id snowflake.ID, days int) (bool, error) {
	column := "reminder_3d_sent"
	if days == 1 {
		column = "reminder_1d_sent"
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET `+column+` = ?, updated_at = ?
		 WHERE id = ? AND `+column+` = ? AND status = ?`,
		true,
		time.Now().UTC(),
		id,
		false,
		subdomain.StatusActive,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
