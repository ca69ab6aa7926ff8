package notifier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/snapstock/pointsbilling/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubProvider struct {
	sent []string
	err  error
}

func (p *stubProvider) Send(ctx context.Context, to, subject, body string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, subject)
	return nil
}

func newNotifier(t *testing.T) (Notifier, *stubProvider, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&DunningEmail{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	provider := &stubProvider{}
	return New(Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Provider: provider,
	}), provider, clk
}

func dunningReq(subID snowflake.ID, level, episode int) DunningEmailRequest {
	return DunningEmailRequest{
		SubscriptionID: subID,
		InvoiceID:      subID + 1,
		UserID:         snowflake.ID(900),
		Level:          level,
		Episode:        episode,
		EmailType:      "payment_reminder",
		Email:          "user@example.com",
		PlanName:       "Gold 500",
		Amount:         1999,
		Currency:       "USD",
	}
}

func TestSendDunningEmailOncePerLevelAndEpisode(t *testing.T) {
	n, provider, _ := newNotifier(t)
	ctx := context.Background()
	subID := snowflake.ID(1001)

	sent, err := n.SendDunningEmail(ctx, dunningReq(subID, 2, 1))
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, provider.sent, 1)

	// A replayed send for the same level and episode is a no-op.
	sent, err = n.SendDunningEmail(ctx, dunningReq(subID, 2, 1))
	require.NoError(t, err)
	require.False(t, sent)
	require.Len(t, provider.sent, 1)

	// The next level and a fresh episode both fire.
	sent, err = n.SendDunningEmail(ctx, dunningReq(subID, 3, 1))
	require.NoError(t, err)
	require.True(t, sent)

	sent, err = n.SendDunningEmail(ctx, dunningReq(subID, 2, 2))
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, provider.sent, 3)
}

func TestSendDunningEmailFailureLeavesNoRecord(t *testing.T) {
	n, provider, _ := newNotifier(t)
	ctx := context.Background()
	subID := snowflake.ID(1002)

	provider.err = fmt.Errorf("smtp down")
	_, err := n.SendDunningEmail(ctx, dunningReq(subID, 1, 1))
	require.Error(t, err)

	recorded, err := n.DunningEmailSent(ctx, subID, 1, 1)
	require.NoError(t, err)
	require.False(t, recorded)

	// The retry after the outage both sends and records.
	provider.err = nil
	sent, err := n.SendDunningEmail(ctx, dunningReq(subID, 1, 1))
	require.NoError(t, err)
	require.True(t, sent)

	recorded, err = n.DunningEmailSent(ctx, subID, 1, 1)
	require.NoError(t, err)
	require.True(t, recorded)
}

func TestCountDunningSentSince(t *testing.T) {
	n, _, clk := newNotifier(t)
	ctx := context.Background()

	_, err := n.SendDunningEmail(ctx, dunningReq(snowflake.ID(1003), 1, 1))
	require.NoError(t, err)

	clk.Advance(30 * time.Hour)
	_, err = n.SendDunningEmail(ctx, dunningReq(snowflake.ID(1004), 1, 1))
	require.NoError(t, err)

	count, err := n.CountDunningSentSince(ctx, clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = n.CountDunningSentSince(ctx, clk.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestDunningContentByEmailType(t *testing.T) {
	req := dunningReq(snowflake.ID(1), 4, 1)

	req.EmailType = "cancellation_notice"
	subject, _ := dunningContent(req)
	require.Contains(t, subject, "cancelled")

	req.EmailType = "final_warning"
	subject, body := dunningContent(req)
	require.Contains(t, subject, "Final warning")
	require.Contains(t, body, "USD 19.99")
}
