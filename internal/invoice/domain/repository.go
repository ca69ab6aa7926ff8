package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIgnoreDuplicate inserts the invoice unless one already exists
	// for (subscription_id, period_start); reports whether a row was written.
	InsertIgnoreDuplicate(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*Invoice, error)
	FindCovering(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, at time.Time) (*Invoice, error)
	// CountOverlapping counts live invoices whose period intersects the
	// given one; VOID and REFUNDED rows no longer reserve their period.
	CountOverlapping(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (int64, error)
	FindPaidUncredited(ctx context.Context, db *gorm.DB, limit int) ([]Invoice, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time, gatewayRef string) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	InsertRetry(ctx context.Context, db *gorm.DB, retry *PaymentRetry) error
	MaxAttemptNumber(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error)
	CloseOpenRetries(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, outcome PaymentRetryStatus, finishedAt time.Time) error
	AbandonOpenRetriesBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, finishedAt time.Time) error
}
