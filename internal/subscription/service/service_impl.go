package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/snapstock/pointsbilling/internal/clock"
	"github.com/snapstock/pointsbilling/internal/event"
	"github.com/snapstock/pointsbilling/internal/history"
	invoicedomain "github.com/snapstock/pointsbilling/internal/invoice/domain"
	"github.com/snapstock/pointsbilling/internal/notifier"
	"github.com/snapstock/pointsbilling/internal/renewal"
	subdomain "github.com/snapstock/pointsbilling/internal/subscription/domain"
	walletdomain "github.com/snapstock/pointsbilling/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     subdomain.Repository
	Invoices invoicedomain.Service
	Wallet   walletdomain.Service
	Notifier notifier.Notifier
	History  history.Recorder
}

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     subdomain.Repository
	invoices invoicedomain.Service
	wallet   walletdomain.Service
	notifier notifier.Notifier
	history  history.Recorder
}

func New(p Params) subdomain.Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("subscription"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		invoices: p.Invoices,
		wallet:   p.Wallet,
		notifier: p.Notifier,
		history:  p.History,
	}
}

// HandleOrderPaid applies one successful charge. Every step is idempotent,
// so a replayed event settles on the same invoice, the same subscription
// state and at most one wallet credit.
func (s *service) HandleOrderPaid(ctx context.Context, ev event.OrderPaid) (subdomain.Subscription, error) {
	sub, err := s.resolve(ctx, ev.SubscriptionID, ev.UserID, ev.PlanKey)
	if err != nil {
		return subdomain.Subscription{}, err
	}

	created := false
	if sub == nil {
		if ev.PlanKey == "" {
			return subdomain.Subscription{}, subdomain.ErrMissingPlan
		}
		sub, created, err = s.createFromOrder(ctx, ev)
		if err != nil {
			return subdomain.Subscription{}, err
		}
	}
	if sub.Status == subdomain.StatusCancelled {
		return subdomain.Subscription{}, subdomain.ErrSubscriptionCancelled
	}

	paidAt := ev.PaidAt.UTC()
	unit, err := renewal.ParseUnit(sub.IntervalUnit)
	if err != nil {
		return subdomain.Subscription{}, err
	}

	inv, err := s.settlePeriodInvoice(ctx, sub, ev, unit)
	if err != nil {
		return subdomain.Subscription{}, err
	}

	next, err := renewal.Next(paidAt, unit, sub.IntervalCount)
	if err != nil {
		return subdomain.Subscription{}, err
	}

	action := "renewed"
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return subdomain.ErrSubscriptionNotFound
		}
		if locked.Status == subdomain.StatusCancelled {
			return subdomain.ErrSubscriptionCancelled
		}
		switch {
		case created:
			action = "created"
		case locked.Status == subdomain.StatusOverdue:
			action = "recovered"
		}

		locked.Status = subdomain.StatusActive
		locked.NextRenewalAt = &next
		locked.LastRenewalAt = &paidAt
		locked.LastPaymentAttempt = &paidAt
		locked.FailedPaymentCount = 0
		locked.DunningLevel = 0
		locked.Reminder3dSent = false
		locked.Reminder1dSent = false
		if ev.PaymentMethod != "" {
			locked.PaymentMethod = ev.PaymentMethod
		}
		if ev.Amount > 0 {
			locked.Amount = ev.Amount
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		*sub = *locked
		return s.history.Append(ctx, tx, locked.ID, action, fmt.Sprintf("order %s", ev.OrderRef), "system")
	})
	if err != nil {
		return subdomain.Subscription{}, err
	}

	if err := s.invoices.CloseOpenRetries(ctx, inv.ID, invoicedomain.RetryStatusSucceeded, paidAt); err != nil {
		s.log.Warn("failed to close payment retries",
			zap.String("invoice_id", inv.ID.String()),
			zap.Error(err),
		)
	}

	// The credit runs after the subscription commit. A wallet outage here
	// leaves a paid-but-uncredited invoice for the reconciliation sweep.
	txRef := ev.GatewayTransactionID
	if txRef == "" {
		txRef = ev.OrderRef
	}
	if _, err := s.wallet.CreditForInvoice(ctx, walletdomain.CreditRequest{
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		UserID:         sub.UserID,
		Points:         sub.PointsPerInterval,
		TransactionID:  txRef,
		Meta:           map[string]any{"order_ref": ev.OrderRef, "action": action},
	}); err != nil {
		s.log.Warn("wallet credit failed, left for reconciliation",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("invoice_id", inv.ID.String()),
			zap.Error(err),
		)
	}

	s.log.Info("order paid applied",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("action", action),
		zap.Time("next_renewal_at", next),
	)
	return *sub, nil
}

// settlePeriodInvoice finds or creates the invoice for the period this
// payment covers and marks it paid. An overdue subscription recovers its
// existing failed invoice instead of opening a new period.
func (s *service) settlePeriodInvoice(ctx context.Context, sub *subdomain.Subscription, ev event.OrderPaid, unit renewal.Unit) (invoicedomain.Invoice, error) {
	paidAt := ev.PaidAt.UTC()

	// A recovery payment or a replayed event lands inside an existing
	// period; settle that invoice instead of opening a new one.
	inv, err := s.invoices.FindCovering(ctx, sub.ID, paidAt)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if inv != nil {
		switch inv.Status {
		case invoicedomain.InvoiceStatusVoid, invoicedomain.InvoiceStatusRefunded:
			inv = nil
		}
	}
	if inv == nil {
		periodEnd, err := renewal.Next(paidAt, unit, sub.IntervalCount)
		if err != nil {
			return invoicedomain.Invoice{}, err
		}
		createdInv, err := s.invoices.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         ev.Amount,
			Currency:       ev.Currency,
			Status:         invoicedomain.InvoiceStatusPending,
			PeriodStart:    paidAt,
			PeriodEnd:      periodEnd,
			PaymentMethod:  ev.PaymentMethod,
			OrderRef:       ev.OrderRef,
			Points:         sub.PointsPerInterval,
		})
		if err != nil {
			return invoicedomain.Invoice{}, err
		}
		inv = &createdInv
	}

	if _, err := s.invoices.MarkPaid(ctx, inv.ID, paidAt, ev.GatewayTransactionID); err != nil {
		return invoicedomain.Invoice{}, err
	}
	return *inv, nil
}

func (s *service) createFromOrder(ctx context.Context, ev event.OrderPaid) (*subdomain.Subscription, bool, error) {
	now := s.clock.Now().UTC()
	intervalCount := ev.IntervalCount
	if intervalCount < 1 {
		intervalCount = 1
	}
	meta := datatypes.JSONMap{}
	if ev.UserEmail != "" {
		meta["email"] = ev.UserEmail
	}
	sub := &subdomain.Subscription{
		ID:                s.genID.Generate(),
		UserID:            snowflake.ID(ev.UserID),
		UserRole:          ev.UserRole,
		PlanKey:           ev.PlanKey,
		PlanName:          ev.PlanName,
		PointsPerInterval: ev.PointsPerInterval,
		IntervalUnit:      ev.IntervalUnit,
		IntervalCount:     intervalCount,
		Status:            subdomain.StatusActive,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		PaymentMethod:     ev.PaymentMethod,
		Meta:              meta,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	inserted, err := s.repo.InsertIgnoreDuplicate(ctx, s.db, sub)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return sub, true, nil
	}
	// Lost the race against another live row for this (user, plan).
	existing, err := s.repo.FindLiveByUserPlan(ctx, s.db, snowflake.ID(ev.UserID), ev.PlanKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, subdomain.ErrSubscriptionNotFound
	}
	return existing, false, nil
}

// HandleOrderFailed moves an active subscription into overdue, opens the
// next payment retry and records the failure. A failure arriving after the
// period was already paid changes nothing.
func (s *service) HandleOrderFailed(ctx context.Context, ev event.OrderFailed) error {
	sub, err := s.resolve(ctx, ev.SubscriptionID, ev.UserID, ev.PlanKey)
	if err != nil {
		return err
	}
	if sub == nil {
		return subdomain.ErrSubscriptionNotFound
	}
	if sub.Status == subdomain.StatusCancelled {
		s.log.Info("ignoring failure for cancelled subscription",
			zap.String("subscription_id", sub.ID.String()),
		)
		return nil
	}

	failedAt := ev.FailedAt.UTC()
	unit, err := renewal.ParseUnit(sub.IntervalUnit)
	if err != nil {
		return err
	}
	// The failed charge belongs to the period containing the attempt, or
	// opens the due renewal period when none covers it yet.
	inv, err := s.invoices.FindCovering(ctx, sub.ID, failedAt)
	if err != nil {
		return err
	}
	if inv == nil {
		periodStart := failedAt
		if sub.NextRenewalAt != nil && !sub.NextRenewalAt.After(failedAt) {
			periodStart = sub.NextRenewalAt.UTC()
		}
		periodEnd, err := renewal.Next(periodStart, unit, sub.IntervalCount)
		if err != nil {
			return err
		}
		created, err := s.invoices.CreateInvoice(ctx, invoicedomain.CreateInvoiceRequest{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         sub.Amount,
			Currency:       sub.Currency,
			Status:         invoicedomain.InvoiceStatusPending,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			PaymentMethod:  sub.PaymentMethod,
			OrderRef:       ev.OrderRef,
			Points:         sub.PointsPerInterval,
		})
		if err != nil {
			return err
		}
		inv = &created
	}
	if err := s.invoices.MarkFailed(ctx, inv.ID); err != nil {
		if errors.Is(err, invoicedomain.ErrInvoicePaid) {
			// The payment won the race; the failure event is stale.
			_ = s.history.Append(ctx, nil, sub.ID, "stale_failure_ignored",
				fmt.Sprintf("order %s arrived after period was paid", ev.OrderRef), "system")
			return nil
		}
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return subdomain.ErrSubscriptionNotFound
		}
		if locked.Status == subdomain.StatusCancelled {
			return nil
		}
		locked.FailedPaymentCount++
		locked.LastPaymentAttempt = &failedAt
		if locked.Status != subdomain.StatusOverdue {
			// A fresh overdue episode restarts the dunning ladder.
			locked.Status = subdomain.StatusOverdue
			locked.Episode++
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		*sub = *locked
		return s.history.Append(ctx, tx, locked.ID, "payment_failed",
			fmt.Sprintf("order %s, attempt %d", ev.OrderRef, locked.FailedPaymentCount), "system")
	})
	if err != nil {
		return err
	}

	if err := s.invoices.CloseOpenRetries(ctx, inv.ID, invoicedomain.RetryStatusFailed, failedAt); err != nil {
		return err
	}
	if _, err := s.invoices.OpenRetry(ctx, sub.ID, inv.ID, s.clock.Now()); err != nil {
		return err
	}

	if err := s.notifier.SendPaymentFailed(ctx, notifier.PaymentFailedRequest{
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		UserID:         sub.UserID,
		Email:          sub.Email(),
		PlanName:       sub.PlanName,
		Amount:         sub.Amount,
		Currency:       sub.Currency,
	}); err != nil {
		s.log.Warn("payment failed notice not delivered",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
	}

	s.log.Info("order failed applied",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("failed_payment_count", sub.FailedPaymentCount),
		zap.Int("episode", sub.Episode),
	)
	return nil
}

func (s *service) ManualAction(ctx context.Context, ev event.ManualAction) error {
	id, err := snowflake.ParseString(ev.SubscriptionID)
	if err != nil {
		return subdomain.ErrSubscriptionNotFound
	}

	var target subdomain.Status
	switch ev.Action {
	case event.ActionPause:
		target = subdomain.StatusPaused
	case event.ActionResume:
		target = subdomain.StatusActive
	case event.ActionCancel:
		target = subdomain.StatusCancelled
	default:
		return subdomain.ErrUnknownAction
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return subdomain.ErrSubscriptionNotFound
		}
		if !subdomain.CanTransition(locked.Status, target) {
			return fmt.Errorf("%w: %s -> %s", subdomain.ErrInvalidTransition, locked.Status, target)
		}
		locked.Status = target
		if target == subdomain.StatusCancelled {
			now := s.clock.Now().UTC()
			locked.CancelledAt = &now
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		actor := ev.ActorID
		if actor == "" {
			actor = "operator"
		}
		return s.history.Append(ctx, tx, locked.ID, string(ev.Action), ev.Note, actor)
	})
}

// TransitionForDunning is the scheduler's escalation primitive. The
// conditional update loses cleanly when the customer pays mid-tick.
func (s *service) TransitionForDunning(ctx context.Context, id snowflake.ID, fromLevel, terminalLevel int) (bool, error) {
	toLevel := fromLevel + 1
	if toLevel < terminalLevel {
		applied, err := s.repo.CASDunningLevel(ctx, s.db, id, fromLevel, toLevel)
		if err != nil {
			return false, err
		}
		if applied {
			_ = s.history.Append(ctx, nil, id, "dunning_escalated",
				fmt.Sprintf("level %d", toLevel), "system")
		}
		return applied, nil
	}

	now := s.clock.Now()
	applied, err := s.repo.CancelAtLevel(ctx, s.db, id, fromLevel, now)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if err := s.invoices.AbandonOpenRetries(ctx, id, now); err != nil {
		s.log.Warn("failed to abandon retries after dunning cancel",
			zap.String("subscription_id", id.String()),
			zap.Error(err),
		)
	}
	_ = s.history.Append(ctx, nil, id, "cancelled_by_dunning",
		fmt.Sprintf("after level %d", fromLevel), "system")
	return true, nil
}

func (s *service) MarkReminderSent(ctx context.Context, id snowflake.ID, days int) (bool, error) {
	return s.repo.SetReminderSent(ctx, s.db, id, days)
}

func (s *service) GetByID(ctx context.Context, id snowflake.ID) (subdomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subdomain.Subscription{}, err
	}
	if sub == nil {
		return subdomain.Subscription{}, subdomain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

// resolve finds the subscription an event addresses, by explicit id first
// and by live (user, plan) pair otherwise. A nil result without error means
// "not found" so callers can decide between create and reject.
func (s *service) resolve(ctx context.Context, subscriptionID string, userID int64, planKey string) (*subdomain.Subscription, error) {
	if subscriptionID != "" {
		id, err := snowflake.ParseString(subscriptionID)
		if err != nil {
			return nil, subdomain.ErrSubscriptionNotFound
		}
		return s.repo.FindByID(ctx, s.db, id)
	}
	if planKey == "" || userID == 0 {
		return nil, nil
	}
	return s.repo.FindLiveByUserPlan(ctx, s.db, snowflake.ID(userID), planKey)
}
