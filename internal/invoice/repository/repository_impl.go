package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/snapstock/pointsbilling/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) InsertIgnoreDuplicate(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, invoice_number, subscription_id, user_id, amount, tax_amount, total_amount,
			currency, status, period_start, period_end, due_at, paid_at, payment_method,
			gateway_transaction_id, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, period_start) DO NOTHING`,
		invoice.ID,
		invoice.InvoiceNumber,
		invoice.SubscriptionID,
		invoice.UserID,
		invoice.Amount,
		invoice.TaxAmount,
		invoice.TotalAmount,
		invoice.Currency,
		invoice.Status,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.DueAt,
		invoice.PaidAt,
		invoice.PaymentMethod,
		invoice.GatewayTransactionID,
		invoice.Metadata,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_number, subscription_id, user_id, amount, tax_amount, total_amount,
		 currency, status, period_start, period_end, due_at, paid_at, payment_method,
		 gateway_transaction_id, metadata, created_at, updated_at
		 FROM invoices WHERE id = ?`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindByPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_number, subscription_id, user_id, amount, tax_amount, total_amount,
		 currency, status, period_start, period_end, due_at, paid_at, payment_method,
		 gateway_transaction_id, metadata, created_at, updated_at
		 FROM invoices
		 WHERE subscription_id = ? AND period_start = ?
		 LIMIT 1`,
		subscriptionID,
		periodStart,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindCovering(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, at time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_number, subscription_id, user_id, amount, tax_amount, total_amount,
		 currency, status, period_start, period_end, due_at, paid_at, payment_method,
		 gateway_transaction_id, metadata, created_at, updated_at
		 FROM invoices
		 WHERE subscription_id = ? AND period_start <= ? AND period_end > ?
		 ORDER BY period_start DESC
		 LIMIT 1`,
		subscriptionID,
		at,
		at,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) CountOverlapping(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM invoices
		 WHERE subscription_id = ?
		   AND period_start < ?
		   AND period_end > ?
		   AND period_start <> ?
		   AND status NOT IN (?, ?)`,
		subscriptionID,
		periodEnd,
		periodStart,
		periodStart,
		invoicedomain.InvoiceStatusVoid,
		invoicedomain.InvoiceStatusRefunded,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) FindPaidUncredited(ctx context.Context, db *gorm.DB, limit int) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT i.id, i.invoice_number, i.subscription_id, i.user_id, i.amount, i.tax_amount,
		 i.total_amount, i.currency, i.status, i.period_start, i.period_end, i.due_at, i.paid_at,
		 i.payment_method, i.gateway_transaction_id, i.metadata, i.created_at, i.updated_at
		 FROM invoices i
		 LEFT JOIN usage_tracking u ON u.invoice_id = i.id
		 WHERE i.status = ? AND u.id IS NULL
		 ORDER BY i.paid_at ASC
		 LIMIT ?`,
		invoicedomain.InvoiceStatusPaid,
		limit,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time, gatewayRef string) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, paid_at = ?, gateway_transaction_id = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		invoicedomain.InvoiceStatusPaid,
		paidAt.UTC(),
		gatewayRef,
		time.Now().UTC(),
		id,
		invoicedomain.InvoiceStatusPending,
		invoicedomain.InvoiceStatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		invoicedomain.InvoiceStatusFailed,
		time.Now().UTC(),
		id,
		invoicedomain.InvoiceStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertRetry(ctx context.Context, db *gorm.DB, retry *invoicedomain.PaymentRetry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_retries (
			id, subscription_id, invoice_id, attempt_number, status, scheduled_at, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		retry.ID,
		retry.SubscriptionID,
		retry.InvoiceID,
		retry.AttemptNumber,
		retry.Status,
		retry.ScheduledAt,
		retry.FinishedAt,
		retry.CreatedAt,
	).Error
}

func (r *repo) MaxAttemptNumber(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error) {
	var max int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(attempt_number), 0) FROM payment_retries WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}

func (r *repo) CloseOpenRetries(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, outcome invoicedomain.PaymentRetryStatus, finishedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_retries
		 SET status = ?, finished_at = ?
		 WHERE invoice_id = ? AND status IN (?, ?)`,
		outcome,
		finishedAt.UTC(),
		invoiceID,
		invoicedomain.RetryStatusScheduled,
		invoicedomain.RetryStatusInProgress,
	).Error
}

func (r *repo) AbandonOpenRetriesBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, finishedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_retries
		 SET status = ?, finished_at = ?
		 WHERE subscription_id = ? AND status IN (?, ?)`,
		invoicedomain.RetryStatusAbandoned,
		finishedAt.UTC(),
		subscriptionID,
		invoicedomain.RetryStatusScheduled,
		invoicedomain.RetryStatusInProgress,
	).Error
}
