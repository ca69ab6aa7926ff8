// Package domain contains persistence models for the invoice ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending  InvoiceStatus = "PENDING"
	InvoiceStatusPaid     InvoiceStatus = "PAID"
	InvoiceStatusFailed   InvoiceStatus = "FAILED"
	InvoiceStatusVoid     InvoiceStatus = "VOID"
	InvoiceStatusRefunded InvoiceStatus = "REFUNDED"
)

// Invoice covers exactly one billing period of a subscription. There is at
// most one invoice per (subscription_id, period_start); periods of the same
// subscription never overlap.
type Invoice struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	InvoiceNumber        string            `gorm:"type:text;not null;uniqueIndex"`
	SubscriptionID       snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoices_subscription_period,priority:1"`
	UserID               snowflake.ID      `gorm:"not null;index"`
	Amount               int64             `gorm:"not null;default:0"`
	TaxAmount            int64             `gorm:"not null;default:0"`
	TotalAmount          int64             `gorm:"not null;default:0"`
	Currency             string            `gorm:"type:text;not null"`
	Status               InvoiceStatus     `gorm:"type:text;not null;default:'PENDING'"`
	PeriodStart          time.Time         `gorm:"not null;uniqueIndex:ux_invoices_subscription_period,priority:2"`
	PeriodEnd            time.Time         `gorm:"not null"`
	DueAt                *time.Time        `gorm:""`
	PaidAt               *time.Time        `gorm:""`
	PaymentMethod        string            `gorm:"type:text;not null;default:''"`
	GatewayTransactionID string            `gorm:"type:text;not null;default:''"`
	Metadata             datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// PaymentRetryStatus represents retry lifecycle states.
type PaymentRetryStatus string

const (
	RetryStatusScheduled  PaymentRetryStatus = "SCHEDULED"
	RetryStatusInProgress PaymentRetryStatus = "IN_PROGRESS"
	RetryStatusSucceeded  PaymentRetryStatus = "SUCCEEDED"
	RetryStatusFailed     PaymentRetryStatus = "FAILED"
	RetryStatusAbandoned  PaymentRetryStatus = "ABANDONED"
)

// PaymentRetry tracks one logical re-charge attempt for a failed invoice.
// attempt_number is strictly increasing per invoice and at most one row per
// invoice is SCHEDULED or IN_PROGRESS.
type PaymentRetry struct {
	ID             snowflake.ID       `gorm:"primaryKey"`
	SubscriptionID snowflake.ID       `gorm:"not null;index"`
	InvoiceID      snowflake.ID       `gorm:"not null;index"`
	AttemptNumber  int                `gorm:"not null"`
	Status         PaymentRetryStatus `gorm:"type:text;not null"`
	ScheduledAt    time.Time          `gorm:"not null"`
	FinishedAt     *time.Time         `gorm:""`
	CreatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentRetry) TableName() string { return "payment_retries" }
