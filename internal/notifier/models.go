package notifier

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// DunningEmail records one dunning send. The (subscription_id, level,
// episode) unique key guarantees a level fires at most once per overdue
// episode; engagement columns are filled by the campaign webhook.
type DunningEmail struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_dunning_emails_level_episode,priority:1"`
	InvoiceID      snowflake.ID `gorm:"not null;index"`
	UserID         snowflake.ID `gorm:"not null;index"`
	Level          int          `gorm:"not null;uniqueIndex:ux_dunning_emails_level_episode,priority:2"`
	EmailType      string       `gorm:"type:text;not null"`
	Episode        int          `gorm:"not null;uniqueIndex:ux_dunning_emails_level_episode,priority:3"`
	SentAt         time.Time    `gorm:"not null;index"`
	OpenedAt       *time.Time   `gorm:""`
	ClickedAt      *time.Time   `gorm:""`
	ConvertedAt    *time.Time   `gorm:""`
}

// TableName sets the database table name.
func (DunningEmail) TableName() string { return "dunning_emails" }
