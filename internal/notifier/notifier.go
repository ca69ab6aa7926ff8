package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/snapstock/pointsbilling/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DunningEmailRequest asks for one dunning send. Level and Episode form the
// dedupe key together with the subscription.
type DunningEmailRequest struct {
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	UserID         snowflake.ID
	Level          int
	Episode        int
	EmailType      string
	Email          string
	PlanName       string
	Amount         int64
	Currency       string
}

type ReminderRequest struct {
	SubscriptionID snowflake.ID
	UserID         snowflake.ID
	Email          string
	PlanName       string
	Days           int
	RenewalAt      time.Time
}

type PaymentFailedRequest struct {
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	UserID         snowflake.ID
	Email          string
	PlanName       string
	Amount         int64
	Currency       string
}

type Notifier interface {
	// SendDunningEmail delivers and records a dunning email. Returns false
	// when the (subscription, level, episode) send already happened.
	SendDunningEmail(ctx context.Context, req DunningEmailRequest) (bool, error)
	// DunningEmailSent reports whether a level already fired this episode.
	DunningEmailSent(ctx context.Context, subscriptionID snowflake.ID, level, episode int) (bool, error)
	// CountDunningSentSince feeds the max-emails-per-day guardrail.
	CountDunningSentSince(ctx context.Context, since time.Time) (int64, error)
	SendRenewalReminder(ctx context.Context, req ReminderRequest) error
	SendPaymentFailed(ctx context.Context, req PaymentFailedRequest) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Provider Provider
}

type notifier struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	provider Provider
}

func New(p Params) Notifier {
	return &notifier{
		db:       p.DB,
		log:      p.Log.Named("notifier"),
		genID:    p.GenID,
		clock:    p.Clock,
		provider: p.Provider,
	}
}

func (n *notifier) SendDunningEmail(ctx context.Context, req DunningEmailRequest) (bool, error) {
	sent, err := n.DunningEmailSent(ctx, req.SubscriptionID, req.Level, req.Episode)
	if err != nil {
		return false, err
	}
	if sent {
		return false, nil
	}

	subject, body := dunningContent(req)
	if err := n.provider.Send(ctx, req.Email, subject, body); err != nil {
		// No record on failure; the scheduler retries next tick.
		return false, err
	}

	result := n.db.WithContext(ctx).Exec(
		`INSERT INTO dunning_emails (id, subscription_id, invoice_id, user_id, level, email_type, episode, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, level, episode) DO NOTHING`,
		n.genID.Generate(),
		req.SubscriptionID,
		req.InvoiceID,
		req.UserID,
		req.Level,
		req.EmailType,
		req.Episode,
		n.clock.Now().UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		// A concurrent worker recorded the same level first.
		return false, nil
	}
	n.log.Info("dunning email sent",
		zap.String("subscription_id", req.SubscriptionID.String()),
		zap.Int("level", req.Level),
		zap.Int("episode", req.Episode),
		zap.String("email_type", req.EmailType),
	)
	return true, nil
}

func (n *notifier) DunningEmailSent(ctx context.Context, subscriptionID snowflake.ID, level, episode int) (bool, error) {
	var count int64
	err := n.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM dunning_emails WHERE subscription_id = ? AND level = ? AND episode = ?`,
		subscriptionID,
		level,
		episode,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (n *notifier) CountDunningSentSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := n.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM dunning_emails WHERE sent_at >= ?`,
		since.UTC(),
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (n *notifier) SendRenewalReminder(ctx context.Context, req ReminderRequest) error {
	subject := fmt.Sprintf("Your %s subscription renews in %d day(s)", req.PlanName, req.Days)
	body := fmt.Sprintf(
		"<p>Your subscription to <b>%s</b> renews on %s.</p>",
		req.PlanName,
		req.RenewalAt.Format("January 2, 2006"),
	)
	return n.provider.Send(ctx, req.Email, subject, body)
}

func (n *notifier) SendPaymentFailed(ctx context.Context, req PaymentFailedRequest) error {
	subject := fmt.Sprintf("Payment failed for your %s subscription", req.PlanName)
	body := fmt.Sprintf(
		"<p>We could not charge %s for your subscription to <b>%s</b>. We will retry automatically.</p>",
		formatAmount(req.Amount, req.Currency),
		req.PlanName,
	)
	return n.provider.Send(ctx, req.Email, subject, body)
}

func dunningContent(req DunningEmailRequest) (string, string) {
	switch req.EmailType {
	case "payment_reminder":
		return fmt.Sprintf("Reminder: payment due for %s", req.PlanName),
			fmt.Sprintf("<p>Your payment of %s for <b>%s</b> is still outstanding.</p>",
				formatAmount(req.Amount, req.Currency), req.PlanName)
	case "final_warning":
		return fmt.Sprintf("Final warning: %s subscription at risk", req.PlanName),
			fmt.Sprintf("<p>Your subscription to <b>%s</b> will be cancelled unless payment of %s is received.</p>",
				req.PlanName, formatAmount(req.Amount, req.Currency))
	case "cancellation_notice":
		return fmt.Sprintf("Your %s subscription has been cancelled", req.PlanName),
			fmt.Sprintf("<p>Your subscription to <b>%s</b> was cancelled after repeated failed payments.</p>", req.PlanName)
	default:
		return fmt.Sprintf("Payment failed for %s", req.PlanName),
			fmt.Sprintf("<p>We could not charge %s for your subscription to <b>%s</b>.</p>",
				formatAmount(req.Amount, req.Currency), req.PlanName)
	}
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%s %d.%02d", currency, minor/100, minor%100)
}

// Module wires the SMTP provider when a host is configured and falls back
// to the no-op provider otherwise.
var Module = fx.Module("notifier",
	fx.Provide(NewProvider),
	fx.Provide(New),
)
