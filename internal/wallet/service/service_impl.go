package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/snapstock/pointsbilling/internal/clock"
	walletdomain "github.com/snapstock/pointsbilling/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Gateway walletdomain.Gateway
}

type service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	gateway walletdomain.Gateway
}

func New(p Params) walletdomain.Service {
	return &service{
		db:      p.DB,
		log:     p.Log.Named("wallet"),
		genID:   p.GenID,
		clock:   p.Clock,
		gateway: p.Gateway,
	}
}

// CreditForInvoice claims the (subscription_id, invoice_id) dedupe row and
// pushes the credit to the wallet gateway inside one transaction. A gateway
// failure rolls the claim back so the reconciliation sweep can retry later.
func (s *service) CreditForInvoice(ctx context.Context, req walletdomain.CreditRequest) (bool, error) {
	credited := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`INSERT INTO usage_tracking (id, subscription_id, invoice_id, user_id, points, transaction_id, credited_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (subscription_id, invoice_id) DO NOTHING`,
			s.genID.Generate(),
			req.SubscriptionID,
			req.InvoiceID,
			req.UserID,
			req.Points,
			req.TransactionID,
			s.clock.Now().UTC(),
			s.clock.Now().UTC(),
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			s.log.Debug("wallet credit already recorded",
				zap.String("subscription_id", req.SubscriptionID.String()),
				zap.String("invoice_id", req.InvoiceID.String()),
			)
			return nil
		}
		if err := s.gateway.Credit(ctx, req.UserID, req.Points, req.TransactionID, req.Meta); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return credited, nil
}

func (s *service) Credited(ctx context.Context, subscriptionID, invoiceID snowflake.ID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM usage_tracking WHERE subscription_id = ? AND invoice_id = ?`,
		subscriptionID,
		invoiceID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
