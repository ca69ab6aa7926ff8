// Package domain defines the wallet credit gateway and its dedupe ledger.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageTracking is the at-most-once record of a wallet credit. The
// (subscription_id, invoice_id) pair is the idempotency key: a replayed
// payment event finds the row and credits nothing.
type UsageTracking struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_tracking_credit,priority:1"`
	InvoiceID      snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_tracking_credit,priority:2"`
	UserID         snowflake.ID `gorm:"not null;index"`
	Points         int64        `gorm:"not null"`
	TransactionID  string       `gorm:"type:text;not null;default:''"`
	CreditedAt     time.Time    `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageTracking) TableName() string { return "usage_tracking" }

// Gateway is the downstream wallet. Implementations must tolerate repeated
// calls with the same transaction reference.
type Gateway interface {
	Credit(ctx context.Context, userID snowflake.ID, points int64, transactionID string, meta map[string]any) error
}

// CreditRequest asks the wallet service to grant the points purchased by
// one paid invoice.
type CreditRequest struct {
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	UserID         snowflake.ID
	Points         int64
	TransactionID  string
	Meta           map[string]any
}

type Service interface {
	// CreditForInvoice grants points at most once per (subscription,
	// invoice). Returns false when the credit already happened.
	CreditForInvoice(ctx context.Context, req CreditRequest) (bool, error)
	// Credited reports whether an invoice already produced a credit.
	Credited(ctx context.Context, subscriptionID, invoiceID snowflake.ID) (bool, error)
}
