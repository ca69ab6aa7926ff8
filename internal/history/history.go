// Package history is the append-only audit trail of subscription
// transitions and dunning actions.
package history

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entry is one audit record. Rows are never updated or deleted.
type Entry struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	Action         string       `gorm:"type:text;not null"`
	Note           string       `gorm:"type:text;not null;default:''"`
	Actor          string       `gorm:"type:text;not null;default:'system'"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "subscription_history" }

type Recorder interface {
	Append(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, action, note, actor string) error
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type recorder struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewRecorder(p Params) Recorder {
	return &recorder{
		db:    p.DB,
		log:   p.Log.Named("history"),
		genID: p.GenID,
	}
}

// Append writes one history row. When db is nil the recorder's own handle
// is used; passing a transaction keeps the entry atomic with the mutation
// it describes.
func (r *recorder) Append(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, action, note, actor string) error {
	if db == nil {
		db = r.db
	}
	if actor == "" {
		actor = "system"
	}
	err := db.WithContext(ctx).Exec(
		`INSERT INTO subscription_history (id, subscription_id, action, note, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.genID.Generate(),
		subscriptionID,
		action,
		note,
		actor,
		time.Now().UTC(),
	).Error
	if err != nil {
		r.log.Warn("failed to append subscription history",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("action", action),
			zap.Error(err),
		)
	}
	return err
}

// Module wires the history recorder.
var Module = fx.Module("history",
	fx.Provide(NewRecorder),
)
