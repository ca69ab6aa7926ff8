package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreateInvoiceRequest describes a billing-period charge. Status seeds the
// initial row (paid on direct success, pending/failed on the failure path).
type CreateInvoiceRequest struct {
	SubscriptionID snowflake.ID
	UserID         snowflake.ID
	Amount         int64
	TaxAmount      int64
	Currency       string
	Status         InvoiceStatus
	PeriodStart    time.Time
	PeriodEnd      time.Time
	DueAt          *time.Time
	PaymentMethod  string
	OrderRef       string
	Points         int64
}

type Service interface {
	// CreateInvoice is idempotent per (subscription_id, period_start): a
	// second call for the same period returns the existing invoice.
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	// MarkPaid transitions pending/failed to paid. Returns false with no
	// error when the invoice was already paid.
	MarkPaid(ctx context.Context, invoiceID snowflake.ID, paidAt time.Time, gatewayRef string) (bool, error)
	// MarkFailed transitions pending to failed. Paid invoices are never
	// silently failed.
	MarkFailed(ctx context.Context, invoiceID snowflake.ID) error
	GetByID(ctx context.Context, invoiceID snowflake.ID) (Invoice, error)
	FindByPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time) (*Invoice, error)
	// FindCovering returns the invoice whose period contains the instant,
	// if any. Used to resolve recovery payments and replayed events to the
	// period they settle.
	FindCovering(ctx context.Context, subscriptionID snowflake.ID, at time.Time) (*Invoice, error)
	// FindPaidUncredited feeds the reconciliation sweep: paid invoices
	// whose wallet credit never landed.
	FindPaidUncredited(ctx context.Context, limit int) ([]Invoice, error)
	// OpenRetry records the next charge attempt for a failed invoice.
	OpenRetry(ctx context.Context, subscriptionID, invoiceID snowflake.ID, scheduledAt time.Time) (PaymentRetry, error)
	// CloseOpenRetries finishes any scheduled/in-progress retry rows.
	CloseOpenRetries(ctx context.Context, invoiceID snowflake.ID, outcome PaymentRetryStatus, finishedAt time.Time) error
	// AbandonOpenRetries closes every open retry of a subscription, used
	// when dunning cancels it.
	AbandonOpenRetries(ctx context.Context, subscriptionID snowflake.ID, finishedAt time.Time) error
}

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvoicePaid     = errors.New("invoice_already_paid")
	ErrPeriodOverlap   = errors.New("invoice_period_overlap")
	ErrInvalidPeriod   = errors.New("invalid_invoice_period")
	ErrInvalidStatus   = errors.New("invalid_invoice_status")
)
