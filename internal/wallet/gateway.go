// Package wallet wires the points wallet gateway and credit service.
package wallet

import (
	"context"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/snapstock/pointsbilling/internal/wallet/domain"
	"github.com/snapstock/pointsbilling/internal/wallet/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// LogGateway stands in for the real wallet backend. Deployments replace it
// with an fx.Decorate that talks to the wallet API.
type LogGateway struct {
	log *zap.Logger
}

func NewLogGateway(log *zap.Logger) walletdomain.Gateway {
	return &LogGateway{log: log.Named("wallet.gateway")}
}

func (g *LogGateway) Credit(ctx context.Context, userID snowflake.ID, points int64, transactionID string, meta map[string]any) error {
	g.log.Info("credit wallet",
		zap.String("user_id", userID.String()),
		zap.Int64("points", points),
		zap.String("transaction_id", transactionID),
	)
	return nil
}

var Module = fx.Module("wallet",
	fx.Provide(NewLogGateway),
	fx.Provide(service.New),
)
