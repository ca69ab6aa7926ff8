package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/snapstock/pointsbilling/internal/clock"
	walletdomain "github.com/snapstock/pointsbilling/internal/wallet/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeGateway struct {
	calls int
	err   error
}

func (g *fakeGateway) Credit(ctx context.Context, userID snowflake.ID, points int64, transactionID string, meta map[string]any) error {
	g.calls++
	return g.err
}

func newTestService(t *testing.T, gw walletdomain.Gateway) (walletdomain.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&walletdomain.UsageTracking{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		Gateway: gw,
	})
	return svc, db
}

func TestCreditForInvoice_AtMostOnce(t *testing.T) {
	gw := &fakeGateway{}
	svc, db := newTestService(t, gw)
	ctx := context.Background()

	req := walletdomain.CreditRequest{
		SubscriptionID: 11,
		InvoiceID:      21,
		UserID:         31,
		Points:         500,
		TransactionID:  "txn-1",
	}

	credited, err := svc.CreditForInvoice(ctx, req)
	require.NoError(t, err)
	require.True(t, credited)
	require.Equal(t, 1, gw.calls)

	// Replay of the same invoice credits nothing.
	credited, err = svc.CreditForInvoice(ctx, req)
	require.NoError(t, err)
	require.False(t, credited)
	require.Equal(t, 1, gw.calls)

	var rows int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM usage_tracking`).Scan(&rows).Error)
	require.EqualValues(t, 1, rows)

	ok, err := svc.Credited(ctx, req.SubscriptionID, req.InvoiceID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreditForInvoice_GatewayFailureLeavesNoClaim(t *testing.T) {
	gw := &fakeGateway{err: errors.New("wallet unavailable")}
	svc, db := newTestService(t, gw)
	ctx := context.Background()

	req := walletdomain.CreditRequest{
		SubscriptionID: 11,
		InvoiceID:      22,
		UserID:         31,
		Points:         500,
		TransactionID:  "txn-2",
	}

	_, err := svc.CreditForInvoice(ctx, req)
	require.Error(t, err)

	// The claim rolled back, so a later sweep can retry.
	var rows int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM usage_tracking`).Scan(&rows).Error)
	require.Zero(t, rows)

	gw.err = nil
	credited, err := svc.CreditForInvoice(ctx, req)
	require.NoError(t, err)
	require.True(t, credited)
}
