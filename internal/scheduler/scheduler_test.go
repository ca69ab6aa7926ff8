package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snapstock/pointsbilling/internal/clock"
	"github.com/snapstock/pointsbilling/internal/config"
	"github.com/snapstock/pointsbilling/internal/event"
	"github.com/snapstock/pointsbilling/internal/history"
	invoicedomain "github.com/snapstock/pointsbilling/internal/invoice/domain"
	invoicerepo "github.com/snapstock/pointsbilling/internal/invoice/repository"
	invoicesvc "github.com/snapstock/pointsbilling/internal/invoice/service"
	"github.com/snapstock/pointsbilling/internal/notifier"
	obsmetrics "github.com/snapstock/pointsbilling/internal/observability/metrics"
	subdomain "github.com/snapstock/pointsbilling/internal/subscription/domain"
	subrepo "github.com/snapstock/pointsbilling/internal/subscription/repository"
	subsvc "github.com/snapstock/pointsbilling/internal/subscription/service"
	walletdomain "github.com/snapstock/pointsbilling/internal/wallet/domain"
	walletsvc "github.com/snapstock/pointsbilling/internal/wallet/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeGateway struct {
	credits []walletCredit
	err     error
}

type walletCredit struct {
	userID snowflake.ID
	points int64
	txRef  string
}

func (g *fakeGateway) Credit(ctx context.Context, userID snowflake.ID, points int64, transactionID string, meta map[string]any) error {
	if g.err != nil {
		return g.err
	}
	g.credits = append(g.credits, walletCredit{userID: userID, points: points, txRef: transactionID})
	return nil
}

type fakeProvider struct {
	sent []string
	err  error
}

func (p *fakeProvider) Send(ctx context.Context, to, subject, body string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, subject)
	return nil
}

func swapPrometheusRegistry(reg *prometheus.Registry) func() {
	prevRegisterer := prometheus.DefaultRegisterer
	prevGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	return func() {
		prometheus.DefaultRegisterer = prevRegisterer
		prometheus.DefaultGatherer = prevGatherer
	}
}

type schedEnv struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	subs     subdomain.Service
	invoices invoicedomain.Service
	wallet   walletdomain.Service
	gateway  *fakeGateway
	provider *fakeProvider
	sched    *Scheduler
}

func newSchedEnv(t *testing.T, start time.Time, policy config.DunningConfig) *schedEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&subdomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.PaymentRetry{},
		&walletdomain.UsageTracking{},
		&notifier.DunningEmail{},
		&history.Entry{},
	))
	require.NoError(t, db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_live
		 ON subscriptions (user_id, plan_key) WHERE status <> 'CANCELLED'`,
	).Error)

	// sqlite has no FOR UPDATE: strip the clause builder and the raw SQL.
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("strip_locking", func(tx *gorm.DB) {
		delete(tx.Statement.Clauses, "FOR")
		sql := tx.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			tx.Statement.SQL.Reset()
			tx.Statement.SQL.WriteString(sql)
		}
	}))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("strip_locking_row", func(tx *gorm.DB) {
		sql := tx.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			tx.Statement.SQL.Reset()
			tx.Statement.SQL.WriteString(sql)
		}
	}))

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "test", Environment: "test"})
	t.Cleanup(func() {
		obsmetrics.ResetSchedulerMetricsForTest()
		restore()
	})

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := clock.NewFakeClock(start)
	log := zap.NewNop()

	invoices := invoicesvc.New(invoicesvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: invoicerepo.Provide(),
	})
	gateway := &fakeGateway{}
	wallet := walletsvc.New(walletsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Gateway: gateway,
	})
	provider := &fakeProvider{}
	notif := notifier.New(notifier.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Provider: provider,
	})
	recorder := history.NewRecorder(history.Params{DB: db, Log: log, GenID: node})
	subs := subsvc.New(subsvc.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     subrepo.Provide(),
		Invoices: invoices,
		Wallet:   wallet,
		Notifier: notif,
		History:  recorder,
	})

	sched, err := New(Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Config: Config{
			RunInterval:        time.Minute,
			BatchSize:          10,
			JobTimeout:         30 * time.Second,
			ReconcileBatchSize: 10,
		},
		DunningCfg:      config.NewStaticDunningConfigHolder(policy),
		SubscriptionSvc: subs,
		InvoiceSvc:      invoices,
		WalletSvc:       wallet,
		Notifier:        notif,
	})
	require.NoError(t, err)

	return &schedEnv{
		db:       db,
		clk:      clk,
		subs:     subs,
		invoices: invoices,
		wallet:   wallet,
		gateway:  gateway,
		provider: provider,
		sched:    sched,
	}
}

func enabledPolicy() config.DunningConfig {
	policy := config.DefaultDunningConfig()
	policy.AutomationEnabled = true
	return policy
}

func (e *schedEnv) pay(t *testing.T, userID int64, userRole string, paidAt time.Time, ref string) subdomain.Subscription {
	t.Helper()
	sub, err := e.subs.HandleOrderPaid(context.Background(), event.OrderPaid{
		PlanKey:              "gold-500",
		PlanName:             "Gold 500",
		UserID:               userID,
		UserRole:             userRole,
		UserEmail:            fmt.Sprintf("user%d@example.com", userID),
		PointsPerInterval:    500,
		IntervalUnit:         "month",
		IntervalCount:        1,
		Amount:               1999,
		Currency:             "USD",
		PaidAt:               paidAt,
		PaymentMethod:        "card",
		GatewayTransactionID: "gw-" + ref,
		OrderRef:             ref,
	})
	require.NoError(t, err)
	return sub
}

func (e *schedEnv) fail(t *testing.T, sub subdomain.Subscription, failedAt time.Time, ref string) {
	t.Helper()
	require.NoError(t, e.subs.HandleOrderFailed(context.Background(), event.OrderFailed{
		SubscriptionID: sub.ID.String(),
		UserID:         int64(sub.UserID),
		FailedAt:       failedAt,
		OrderRef:       ref,
	}))
}

func (e *schedEnv) dunningEmailCount(t *testing.T) int {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Raw(`SELECT COUNT(1) FROM dunning_emails`).Scan(&count).Error)
	return int(count)
}

func (e *schedEnv) mustGet(t *testing.T, id snowflake.ID) subdomain.Subscription {
	t.Helper()
	sub, err := e.subs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func TestDunningLadderEscalatesAndCancels(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := newSchedEnv(t, start, enabledPolicy())
	ctx := context.Background()

	sub := env.pay(t, 101, "customer", start, "order-1")
	require.NotNil(t, sub.NextRenewalAt)
	renewal := *sub.NextRenewalAt

	env.clk.Set(renewal)
	env.fail(t, sub, renewal, "order-2")
	overdue := env.mustGet(t, sub.ID)
	require.Equal(t, subdomain.StatusOverdue, overdue.Status)
	require.Equal(t, 0, overdue.DunningLevel)

	// Level 1 has no delay.
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 1, env.mustGet(t, sub.ID).DunningLevel)
	require.Equal(t, 1, env.dunningEmailCount(t))

	// A second tick at the same instant changes nothing.
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 1, env.mustGet(t, sub.ID).DunningLevel)
	require.Equal(t, 1, env.dunningEmailCount(t))

	// Level 2 waits 72h from the failed attempt.
	env.clk.Set(renewal.Add(71 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 1, env.mustGet(t, sub.ID).DunningLevel)

	env.clk.Set(renewal.Add(72 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 2, env.mustGet(t, sub.ID).DunningLevel)
	require.Equal(t, 2, env.dunningEmailCount(t))

	env.clk.Set(renewal.Add(168 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 3, env.mustGet(t, sub.ID).DunningLevel)
	require.Equal(t, 3, env.dunningEmailCount(t))

	// The terminal level cancels instead of escalating.
	env.clk.Set(renewal.Add(240 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	cancelled := env.mustGet(t, sub.ID)
	require.Equal(t, subdomain.StatusCancelled, cancelled.Status)
	require.Equal(t, 4, cancelled.DunningLevel)
	require.NotNil(t, cancelled.CancelledAt)
	require.Equal(t, 4, env.dunningEmailCount(t))

	var abandoned int64
	require.NoError(t, env.db.Raw(
		`SELECT COUNT(1) FROM payment_retries WHERE subscription_id = ? AND status = ?`,
		sub.ID, invoicedomain.RetryStatusAbandoned,
	).Scan(&abandoned).Error)
	require.GreaterOrEqual(t, abandoned, int64(1))

	// Cancelled subscriptions drop out of the scan.
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 4, env.dunningEmailCount(t))
}

func TestDunningRecoveryMidLadder(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := newSchedEnv(t, start, enabledPolicy())
	ctx := context.Background()

	sub := env.pay(t, 102, "customer", start, "order-1")
	renewal := *sub.NextRenewalAt
	env.clk.Set(renewal)
	env.fail(t, sub, renewal, "order-2")

	require.NoError(t, env.sched.RunOnce(ctx))
	env.clk.Set(renewal.Add(72 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 2, env.mustGet(t, sub.ID).DunningLevel)
	emailsBefore := env.dunningEmailCount(t)

	// The customer pays on day 5, before the final-warning level.
	payAt := renewal.Add(120 * time.Hour)
	env.clk.Set(payAt)
	_, err := env.subs.HandleOrderPaid(ctx, event.OrderPaid{
		SubscriptionID:       sub.ID.String(),
		PlanKey:              "gold-500",
		PlanName:             "Gold 500",
		UserID:               102,
		UserEmail:            "user102@example.com",
		PointsPerInterval:    500,
		IntervalUnit:         "month",
		IntervalCount:        1,
		Amount:               1999,
		Currency:             "USD",
		PaidAt:               payAt,
		PaymentMethod:        "card",
		GatewayTransactionID: "gw-recover",
		OrderRef:             "order-3",
	})
	require.NoError(t, err)

	recovered := env.mustGet(t, sub.ID)
	require.Equal(t, subdomain.StatusActive, recovered.Status)
	require.Equal(t, 0, recovered.DunningLevel)

	// Later ticks leave the recovered subscription alone.
	env.clk.Set(renewal.Add(240 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	after := env.mustGet(t, sub.ID)
	require.Equal(t, subdomain.StatusActive, after.Status)
	require.Equal(t, 0, after.DunningLevel)
	require.Equal(t, emailsBefore, env.dunningEmailCount(t))
}

func TestDunningNewEpisodeSendsAgain(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := newSchedEnv(t, start, enabledPolicy())
	ctx := context.Background()

	sub := env.pay(t, 103, "customer", start, "order-1")
	renewal := *sub.NextRenewalAt
	env.clk.Set(renewal)
	env.fail(t, sub, renewal, "order-2")
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 1, env.dunningEmailCount(t))

	// Recover, then fail the next cycle: a fresh episode gets fresh emails.
	payAt := renewal.Add(24 * time.Hour)
	env.clk.Set(payAt)
	env.pay(t, 103, "customer", payAt, "order-3")
	next := *env.mustGet(t, sub.ID).NextRenewalAt
	env.clk.Set(next)
	env.fail(t, sub, next, "order-4")
	require.NoError(t, env.sched.RunOnce(ctx))

	require.Equal(t, 2, env.dunningEmailCount(t))
	require.Equal(t, 2, env.mustGet(t, sub.ID).Episode)
}

func TestDunningGuardrails(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("automation disabled", func(t *testing.T) {
		policy := enabledPolicy()
		policy.AutomationEnabled = false
		env := newSchedEnv(t, start, policy)

		sub := env.pay(t, 110, "customer", start, "order-1")
		renewal := *sub.NextRenewalAt
		env.clk.Set(renewal)
		env.fail(t, sub, renewal, "order-2")

		require.NoError(t, env.sched.RunOnce(ctx))
		require.Equal(t, 0, env.mustGet(t, sub.ID).DunningLevel)
		require.Equal(t, 0, env.dunningEmailCount(t))
	})

	t.Run("role excluded", func(t *testing.T) {
		policy := enabledPolicy()
		policy.ExcludedRoles = []string{"wholesale"}
		env := newSchedEnv(t, start, policy)

		sub := env.pay(t, 111, "wholesale", start, "order-1")
		renewal := *sub.NextRenewalAt
		env.clk.Set(renewal)
		env.fail(t, sub, renewal, "order-2")

		require.NoError(t, env.sched.RunOnce(ctx))
		require.Equal(t, 0, env.mustGet(t, sub.ID).DunningLevel)
		require.Equal(t, 0, env.dunningEmailCount(t))
	})

	t.Run("below minimum amount", func(t *testing.T) {
		policy := enabledPolicy()
		policy.MinimumAmount = 5000
		env := newSchedEnv(t, start, policy)

		sub := env.pay(t, 112, "customer", start, "order-1")
		renewal := *sub.NextRenewalAt
		env.clk.Set(renewal)
		env.fail(t, sub, renewal, "order-2")

		require.NoError(t, env.sched.RunOnce(ctx))
		require.Equal(t, 0, env.mustGet(t, sub.ID).DunningLevel)
		require.Equal(t, 0, env.dunningEmailCount(t))
	})

	t.Run("daily cap", func(t *testing.T) {
		policy := enabledPolicy()
		policy.MaxEmailsPerDay = 1
		env := newSchedEnv(t, start, policy)

		subA := env.pay(t, 113, "customer", start, "order-a1")
		subB := env.pay(t, 114, "customer", start, "order-b1")
		renewal := *subA.NextRenewalAt
		env.clk.Set(renewal)
		env.fail(t, subA, renewal, "order-a2")
		env.fail(t, subB, renewal, "order-b2")

		require.NoError(t, env.sched.RunOnce(ctx))
		require.Equal(t, 1, env.dunningEmailCount(t))

		levels := env.mustGet(t, subA.ID).DunningLevel + env.mustGet(t, subB.ID).DunningLevel
		require.Equal(t, 1, levels)

		// The window rolls over and the second subscription gets its turn.
		env.clk.Set(renewal.Add(25 * time.Hour))
		require.NoError(t, env.sched.RunOnce(ctx))
		require.Equal(t, 2, env.dunningEmailCount(t))
		require.Equal(t, 1, env.mustGet(t, subA.ID).DunningLevel)
		require.Equal(t, 1, env.mustGet(t, subB.ID).DunningLevel)
	})
}

func TestDisabledLevelEscalatesWithoutEmail(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	policy := enabledPolicy()
	policy.Levels[0].Enabled = false
	env := newSchedEnv(t, start, policy)
	ctx := context.Background()

	sub := env.pay(t, 120, "customer", start, "order-1")
	renewal := *sub.NextRenewalAt
	env.clk.Set(renewal)
	env.fail(t, sub, renewal, "order-2")

	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 1, env.mustGet(t, sub.ID).DunningLevel)
	require.Equal(t, 0, env.dunningEmailCount(t))

	env.clk.Set(renewal.Add(72 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Equal(t, 2, env.mustGet(t, sub.ID).DunningLevel)
	require.Equal(t, 1, env.dunningEmailCount(t))
}

func TestRenewalReminders(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := newSchedEnv(t, start, enabledPolicy())
	ctx := context.Background()

	sub := env.pay(t, 130, "customer", start, "order-1")
	renewal := *sub.NextRenewalAt
	sendsAfterPay := len(env.provider.sent)

	// Outside every window: nothing fires.
	env.clk.Set(renewal.Add(-5 * 24 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Len(t, env.provider.sent, sendsAfterPay)

	// Inside the 3-day window.
	env.clk.Set(renewal.Add(-70 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Len(t, env.provider.sent, sendsAfterPay+1)
	require.Contains(t, env.provider.sent[len(env.provider.sent)-1], "3 day")
	require.True(t, env.mustGet(t, sub.ID).Reminder3dSent)

	// The flag keeps the window to one send.
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Len(t, env.provider.sent, sendsAfterPay+1)

	// Inside the 1-day window.
	env.clk.Set(renewal.Add(-20 * time.Hour))
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Len(t, env.provider.sent, sendsAfterPay+2)
	require.Contains(t, env.provider.sent[len(env.provider.sent)-1], "1 day")
	require.True(t, env.mustGet(t, sub.ID).Reminder1dSent)
}

func TestRenewalReminderSendFailureRetries(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := newSchedEnv(t, start, enabledPolicy())
	ctx := context.Background()

	sub := env.pay(t, 131, "customer", start, "order-1")
	renewal := *sub.NextRenewalAt

	env.clk.Set(renewal.Add(-70 * time.Hour))
	env.provider.err = fmt.Errorf("smtp down")
	require.Error(t, env.sched.RunOnce(ctx))
	require.False(t, env.mustGet(t, sub.ID).Reminder3dSent)

	env.provider.err = nil
	require.NoError(t, env.sched.RunOnce(ctx))
	require.True(t, env.mustGet(t, sub.ID).Reminder3dSent)
}

func TestCreditReconciliationSweep(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := newSchedEnv(t, start, enabledPolicy())
	ctx := context.Background()

	// The wallet is down when the payment lands: invoice paid, no credit.
	env.gateway.err = fmt.Errorf("wallet unavailable")
	sub := env.pay(t, 140, "customer", start, "order-1")

	pending, err := env.invoices.FindPaidUncredited(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Empty(t, env.gateway.credits)

	env.gateway.err = nil
	require.NoError(t, env.sched.RunOnce(ctx))

	require.Len(t, env.gateway.credits, 1)
	require.Equal(t, sub.UserID, env.gateway.credits[0].userID)
	require.Equal(t, int64(500), env.gateway.credits[0].points)
	require.Equal(t, "gw-order-1", env.gateway.credits[0].txRef)

	pending, err = env.invoices.FindPaidUncredited(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	// The sweep is idempotent.
	require.NoError(t, env.sched.RunOnce(ctx))
	require.Len(t, env.gateway.credits, 1)
}

func TestIsJobEnabled(t *testing.T) {
	sched := &Scheduler{cfg: Config{}}
	require.True(t, sched.isJobEnabled("dunning"))

	sched.cfg.EnabledJobs = []string{"dunning", "credit_reconciliation"}
	require.True(t, sched.isJobEnabled("dunning"))
	require.True(t, sched.isJobEnabled("Credit_Reconciliation"))
	require.False(t, sched.isJobEnabled("renewal_reminders"))
}

func TestPointsFromMetadata(t *testing.T) {
	require.Equal(t, int64(500), pointsFromMetadata(map[string]any{"points": int64(500)}))
	require.Equal(t, int64(500), pointsFromMetadata(map[string]any{"points": float64(500)}))
	// datatypes.JSONMap decodes numbers as json.Number on read-back.
	require.Equal(t, int64(500), pointsFromMetadata(map[string]any{"points": json.Number("500")}))
	require.Equal(t, int64(500), pointsFromMetadata(map[string]any{"points": "500"}))
	require.Equal(t, int64(0), pointsFromMetadata(map[string]any{"points": "many"}))
	require.Equal(t, int64(0), pointsFromMetadata(nil))
}
