// Package scheduler drives the dunning ladder, renewal reminders and the
// wallet credit reconciliation sweep.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/snapstock/pointsbilling/internal/clock"
	"github.com/snapstock/pointsbilling/internal/config"
	invoicedomain "github.com/snapstock/pointsbilling/internal/invoice/domain"
	"github.com/snapstock/pointsbilling/internal/notifier"
	obsmetrics "github.com/snapstock/pointsbilling/internal/observability/metrics"
	"github.com/snapstock/pointsbilling/internal/renewal"
	subdomain "github.com/snapstock/pointsbilling/internal/subscription/domain"
	walletdomain "github.com/snapstock/pointsbilling/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Config          Config `optional:"true"`
	DunningCfg      *config.DunningConfigHolder
	SubscriptionSvc subdomain.Service
	InvoiceSvc      invoicedomain.Service
	WalletSvc       walletdomain.Service
	Notifier        notifier.Notifier
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	dunningCfg      *config.DunningConfigHolder
	subscriptionSvc subdomain.Service
	invoiceSvc      invoicedomain.Service
	walletSvc       walletdomain.Service
	notifier        notifier.Notifier
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.DunningCfg == nil || p.SubscriptionSvc == nil || p.InvoiceSvc == nil ||
		p.WalletSvc == nil || p.Notifier == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		dunningCfg:      p.DunningCfg,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		walletSvc:       p.WalletSvc,
		notifier:        p.Notifier,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the remaining work waits for the next
	// tick.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"dunning", func(ctx context.Context) error {
			return s.runJob(ctx, "dunning", s.cfg.BatchSize, s.cfg.JobTimeout, s.DunningJob)
		}},
		{"renewal_reminders", func(ctx context.Context) error {
			return s.runJob(ctx, "renewal_reminders", s.cfg.BatchSize, s.cfg.JobTimeout, s.RenewalRemindersJob)
		}},
		{"credit_reconciliation", func(ctx context.Context) error {
			return s.runJob(ctx, "credit_reconciliation", s.cfg.ReconcileBatchSize, s.cfg.JobTimeout, s.CreditReconciliationJob)
		}},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// DunningJob walks overdue subscriptions and escalates each one at most a
// single level per tick. The policy is re-read every run so a hot-reloaded
// dunning.yml takes effect without a restart.
func (s *Scheduler) DunningJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "dunning", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	policy := s.dunningCfg.Get()
	if !policy.AutomationEnabled {
		obsmetrics.Scheduler().IncDunningSuppressed(obsmetrics.DunningSuppressedAutomationOff)
		s.log.Debug("dunning automation disabled")
		return nil
	}

	now := s.clock.Now().UTC()
	var jobErr error
	var cursor snowflake.ID

	for {
		subs, err := s.fetchOverdueForWork(ctx, cursor, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(run, "scheduler.dunning.claim.failed", "dunning", err)
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			break
		}

		for _, sub := range subs {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			cursor = sub.ID
			processed, err := s.processDunning(ctx, policy, sub, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "scheduler.dunning.process.failed", "dunning", err,
					zap.String("subscription_id", idString(sub.ID)),
					zap.Int("dunning_level", sub.DunningLevel),
				)
				continue
			}
			if processed {
				run.AddProcessed(1)
			}
		}
		if len(subs) < s.cfg.BatchSize {
			break
		}
	}

	obsmetrics.Scheduler().AddBatchProcessed("dunning", run.processedCount)
	return jobErr
}

// processDunning applies one escalation step when it is due. The returned
// bool reports whether any state changed.
func (s *Scheduler) processDunning(ctx context.Context, policy config.DunningConfig, sub WorkSubscription, now time.Time) (bool, error) {
	terminal := policy.TerminalLevel()
	if sub.DunningLevel >= terminal {
		return false, nil
	}
	target := sub.DunningLevel + 1
	levelCfg, ok := policy.LevelFor(target)
	if !ok {
		return false, nil
	}
	if sub.LastPaymentAttempt == nil {
		return false, nil
	}
	if now.Sub(sub.LastPaymentAttempt.UTC()) < levelCfg.Delay {
		return false, nil
	}
	schedMetrics := obsmetrics.Scheduler()

	if !levelCfg.Enabled {
		// A disabled level escalates without an email so the ladder keeps
		// moving toward the enabled levels above it.
		schedMetrics.IncDunningSuppressed(obsmetrics.DunningSuppressedLevelDisabled)
		return s.escalate(ctx, sub, target, terminal)
	}

	if policy.RoleExcluded(sub.UserRole) {
		schedMetrics.IncDunningSuppressed(obsmetrics.DunningSuppressedRoleExcluded)
		return false, nil
	}
	if policy.MinimumAmount > 0 && sub.Amount < policy.MinimumAmount {
		schedMetrics.IncDunningSuppressed(obsmetrics.DunningSuppressedBelowMinimum)
		return false, nil
	}

	alreadySent, err := s.notifier.DunningEmailSent(ctx, sub.ID, target, sub.Episode)
	if err != nil {
		return false, err
	}
	if !alreadySent {
		sentToday, err := s.notifier.CountDunningSentSince(ctx, now.Add(-24*time.Hour))
		if err != nil {
			return false, err
		}
		if int(sentToday) >= policy.MaxEmailsPerDay {
			schedMetrics.IncDunningSuppressed(obsmetrics.DunningSuppressedDailyCap)
			return false, nil
		}

		var invoiceID snowflake.ID
		if sub.NextRenewalAt != nil {
			if inv, err := s.invoiceSvc.FindByPeriod(ctx, sub.ID, *sub.NextRenewalAt); err == nil && inv != nil {
				invoiceID = inv.ID
			}
		}
		if _, err := s.notifier.SendDunningEmail(ctx, notifier.DunningEmailRequest{
			SubscriptionID: sub.ID,
			InvoiceID:      invoiceID,
			UserID:         sub.UserID,
			Level:          target,
			Episode:        sub.Episode,
			EmailType:      levelCfg.EmailType,
			Email:          sub.Email(),
			PlanName:       sub.PlanName,
			Amount:         sub.Amount,
			Currency:       sub.Currency,
		}); err != nil {
			// No email, no escalation; the next tick retries.
			return false, err
		}
	}

	return s.escalate(ctx, sub, target, terminal)
}

func (s *Scheduler) escalate(ctx context.Context, sub WorkSubscription, target, terminal int) (bool, error) {
	applied, err := s.subscriptionSvc.TransitionForDunning(ctx, sub.ID, sub.DunningLevel, terminal)
	if err != nil {
		return false, err
	}
	if !applied {
		// The customer paid mid-tick or another worker escalated first.
		s.log.Debug("dunning escalation skipped, state moved",
			zap.String("subscription_id", idString(sub.ID)),
			zap.Int("from_level", sub.DunningLevel),
		)
		return false, nil
	}
	schedMetrics := obsmetrics.Scheduler()
	if target >= terminal {
		schedMetrics.IncDunningCancellation()
		s.log.Info("subscription cancelled by dunning",
			zap.String("subscription_id", idString(sub.ID)),
			zap.Int("episode", sub.Episode),
		)
		return true, nil
	}
	schedMetrics.IncDunningEscalation(target)
	s.log.Info("dunning level escalated",
		zap.String("subscription_id", idString(sub.ID)),
		zap.Int("level", target),
		zap.Int("episode", sub.Episode),
	)
	return true, nil
}

// RenewalRemindersJob sends the 3-day and 1-day upcoming-renewal notices.
// Flags on the subscription row keep each window to one send per cycle.
func (s *Scheduler) RenewalRemindersJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "renewal_reminders", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	policy := s.dunningCfg.Get()
	maxDays := 0
	oneDayWanted, threeDayWanted := false, false
	for _, d := range policy.ReminderDays {
		if d > maxDays {
			maxDays = d
		}
		switch d {
		case 1:
			oneDayWanted = true
		case 3:
			threeDayWanted = true
		}
	}
	if maxDays == 0 {
		return nil
	}

	now := s.clock.Now().UTC()
	cutoff := now.Add(time.Duration(maxDays) * 24 * time.Hour)
	var jobErr error
	var cursor snowflake.ID

	for {
		subs, err := s.fetchReminderCandidates(ctx, cursor, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(run, "scheduler.reminders.claim.failed", "renewal_reminders", err)
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			break
		}

		for _, sub := range subs {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			cursor = sub.ID
			if sub.NextRenewalAt == nil {
				continue
			}
			next := sub.NextRenewalAt.UTC()

			days := 0
			switch {
			case oneDayWanted && !sub.Reminder1dSent && renewal.ReminderDue(next, now, 1):
				days = 1
			case threeDayWanted && !sub.Reminder3dSent && renewal.ReminderDue(next, now, 3):
				days = 3
			default:
				continue
			}

			if err := s.notifier.SendRenewalReminder(ctx, notifier.ReminderRequest{
				SubscriptionID: sub.ID,
				UserID:         sub.UserID,
				Email:          sub.Email(),
				PlanName:       sub.PlanName,
				Days:           days,
				RenewalAt:      next,
			}); err != nil {
				// Flag stays unset so the next tick retries.
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "scheduler.reminders.send.failed", "renewal_reminders", err,
					zap.String("subscription_id", idString(sub.ID)),
					zap.Int("days", days),
				)
				continue
			}
			if _, err := s.subscriptionSvc.MarkReminderSent(ctx, sub.ID, days); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if days == 1 && !sub.Reminder3dSent {
				// The 3-day window was missed entirely; close it too.
				if _, err := s.subscriptionSvc.MarkReminderSent(ctx, sub.ID, 3); err != nil {
					jobErr = errors.Join(jobErr, err)
				}
			}
			obsmetrics.Scheduler().IncReminderSent(days)
			run.AddProcessed(1)
		}
		if len(subs) < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

// CreditReconciliationJob re-credits paid invoices whose wallet credit
// never landed. The (subscription, invoice) dedupe key makes the retry
// safe against races with the original credit.
func (s *Scheduler) CreditReconciliationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "credit_reconciliation", s.cfg.ReconcileBatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	invoices, err := s.invoiceSvc.FindPaidUncredited(ctx, s.cfg.ReconcileBatchSize)
	if err != nil {
		s.logSchedulerError(run, "scheduler.reconcile.fetch.failed", "credit_reconciliation", err)
		return err
	}

	var jobErr error
	for _, inv := range invoices {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		txRef := inv.GatewayTransactionID
		if txRef == "" {
			txRef = inv.InvoiceNumber
		}
		credited, err := s.walletSvc.CreditForInvoice(ctx, walletdomain.CreditRequest{
			SubscriptionID: inv.SubscriptionID,
			InvoiceID:      inv.ID,
			UserID:         inv.UserID,
			Points:         pointsFromMetadata(inv.Metadata),
			TransactionID:  txRef,
			Meta:           map[string]any{"source": "reconciliation"},
		})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(run, "scheduler.reconcile.credit.failed", "credit_reconciliation", err,
				zap.String("invoice_id", idString(inv.ID)),
				zap.String("subscription_id", idString(inv.SubscriptionID)),
			)
			continue
		}
		if credited {
			obsmetrics.Scheduler().IncCreditReconciled()
			run.AddProcessed(1)
			s.log.Info("wallet credit reconciled",
				zap.String("invoice_id", idString(inv.ID)),
				zap.String("subscription_id", idString(inv.SubscriptionID)),
			)
		}
	}
	return jobErr
}

// pointsFromMetadata reads the points figure an invoice was created with.
// The JSONMap column hands numbers back as json.Number or float64 depending
// on the driver.
func pointsFromMetadata(meta map[string]any) int64 {
	if meta == nil {
		return 0
	}
	switch v := meta["points"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
