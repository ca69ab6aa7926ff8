package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIgnoreDuplicate inserts unless a live row already exists for
	// (user_id, plan_key); reports whether a row was written.
	InsertIgnoreDuplicate(ctx context.Context, db *gorm.DB, sub *Subscription) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindLiveByUserPlan(ctx context.Context, db *gorm.DB, userID snowflake.ID, planKey string) (*Subscription, error)
	// Update persists every mutable column of the row.
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// CASDunningLevel bumps dunning_level only while the row is still
	// overdue at the expected level.
	CASDunningLevel(ctx context.Context, db *gorm.DB, id snowflake.ID, fromLevel, toLevel int) (bool, error)
	// CancelAtLevel cancels an overdue row whose ladder is exhausted,
	// recording the terminal level (fromLevel+1) on the row.
	CancelAtLevel(ctx context.Context, db *gorm.DB, id snowflake.ID, fromLevel int, cancelledAt time.Time) (bool, error)
	// SetReminderSent flips the 3-day or 1-day flag if it is still unset.
	SetReminderSent(ctx context.Context, db *gorm.DB, id snowflake.ID, days int) (bool, error)
}
