package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/snapstock/pointsbilling/internal/clock"
	invoicedomain "github.com/snapstock/pointsbilling/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  invoicedomain.Repository
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  invoicedomain.Repository
}

func New(p Params) invoicedomain.Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("invoice"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// CreateInvoice writes the invoice for one billing period. Replays of the
// same period hit the (subscription_id, period_start) unique index and the
// existing row is returned unchanged.
func (s *service) CreateInvoice(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	if req.SubscriptionID == 0 || req.UserID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidPeriod
	}
	switch req.Status {
	case invoicedomain.InvoiceStatusPending, invoicedomain.InvoiceStatusPaid, invoicedomain.InvoiceStatusFailed:
	case "":
		req.Status = invoicedomain.InvoiceStatusPending
	default:
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidStatus
	}

	periodStart := req.PeriodStart.UTC()
	periodEnd := req.PeriodEnd.UTC()

	overlapping, err := s.repo.CountOverlapping(ctx, s.db, req.SubscriptionID, periodStart, periodEnd)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if overlapping > 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrPeriodOverlap
	}

	now := s.clock.Now().UTC()
	id := s.genID.Generate()
	invoice := invoicedomain.Invoice{
		ID:             id,
		InvoiceNumber:  fmt.Sprintf("INV-%d-%s", now.Year(), id),
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		TaxAmount:      req.TaxAmount,
		TotalAmount:    req.Amount + req.TaxAmount,
		Currency:       req.Currency,
		Status:         req.Status,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		DueAt:          req.DueAt,
		PaymentMethod:  req.PaymentMethod,
		Metadata: datatypes.JSONMap{
			"order_ref": req.OrderRef,
			"points":    req.Points,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Status == invoicedomain.InvoiceStatusPaid {
		invoice.PaidAt = &now
	}

	inserted, err := s.repo.InsertIgnoreDuplicate(ctx, s.db, &invoice)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if inserted {
		return invoice, nil
	}

	existing, err := s.repo.FindByPeriod(ctx, s.db, req.SubscriptionID, periodStart)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if existing == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	s.log.Debug("invoice already exists for period",
		zap.String("subscription_id", req.SubscriptionID.String()),
		zap.Time("period_start", periodStart),
	)
	return *existing, nil
}

func (s *service) MarkPaid(ctx context.Context, invoiceID snowflake.ID, paidAt time.Time, gatewayRef string) (bool, error) {
	updated, err := s.repo.MarkPaid(ctx, s.db, invoiceID, paidAt, gatewayRef)
	if err != nil {
		return false, err
	}
	if updated {
		return true, nil
	}
	existing, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, invoicedomain.ErrInvoiceNotFound
	}
	if existing.Status == invoicedomain.InvoiceStatusPaid {
		// Replayed payment event; nothing to do.
		return false, nil
	}
	return false, invoicedomain.ErrInvalidStatus
}

func (s *service) MarkFailed(ctx context.Context, invoiceID snowflake.ID) error {
	updated, err := s.repo.MarkFailed(ctx, s.db, invoiceID)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}
	existing, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return err
	}
	if existing == nil {
		return invoicedomain.ErrInvoiceNotFound
	}
	switch existing.Status {
	case invoicedomain.InvoiceStatusPaid:
		return invoicedomain.ErrInvoicePaid
	case invoicedomain.InvoiceStatusFailed:
		return nil
	default:
		return invoicedomain.ErrInvalidStatus
	}
}

func (s *service) GetByID(ctx context.Context, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	existing, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if existing == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *existing, nil
}

func (s *service) FindByPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	return s.repo.FindByPeriod(ctx, s.db, subscriptionID, periodStart.UTC())
}

func (s *service) FindCovering(ctx context.Context, subscriptionID snowflake.ID, at time.Time) (*invoicedomain.Invoice, error) {
	return s.repo.FindCovering(ctx, s.db, subscriptionID, at.UTC())
}

func (s *service) FindPaidUncredited(ctx context.Context, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.FindPaidUncredited(ctx, s.db, limit)
}

func (s *service) OpenRetry(ctx context.Context, subscriptionID, invoiceID snowflake.ID, scheduledAt time.Time) (invoicedomain.PaymentRetry, error) {
	var retry invoicedomain.PaymentRetry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		maxAttempt, err := s.repo.MaxAttemptNumber(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		retry = invoicedomain.PaymentRetry{
			ID:             s.genID.Generate(),
			SubscriptionID: subscriptionID,
			InvoiceID:      invoiceID,
			AttemptNumber:  maxAttempt + 1,
			Status:         invoicedomain.RetryStatusScheduled,
			ScheduledAt:    scheduledAt.UTC(),
			CreatedAt:      s.clock.Now().UTC(),
		}
		return s.repo.InsertRetry(ctx, tx, &retry)
	})
	if err != nil {
		return invoicedomain.PaymentRetry{}, err
	}
	return retry, nil
}

func (s *service) CloseOpenRetries(ctx context.Context, invoiceID snowflake.ID, outcome invoicedomain.PaymentRetryStatus, finishedAt time.Time) error {
	return s.repo.CloseOpenRetries(ctx, s.db, invoiceID, outcome, finishedAt)
}

func (s *service) AbandonOpenRetries(ctx context.Context, subscriptionID snowflake.ID, finishedAt time.Time) error {
	return s.repo.AbandonOpenRetriesBySubscription(ctx, s.db, subscriptionID, finishedAt)
}
