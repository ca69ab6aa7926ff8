package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/snapstock/pointsbilling/internal/clock"
	"github.com/snapstock/pointsbilling/internal/config"
	"github.com/snapstock/pointsbilling/internal/history"
	"github.com/snapstock/pointsbilling/internal/invoice"
	"github.com/snapstock/pointsbilling/internal/logger"
	"github.com/snapstock/pointsbilling/internal/migration"
	"github.com/snapstock/pointsbilling/internal/notifier"
	"github.com/snapstock/pointsbilling/internal/scheduler"
	"github.com/snapstock/pointsbilling/internal/subscription"
	"github.com/snapstock/pointsbilling/internal/wallet"
	"github.com/snapstock/pointsbilling/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		// Functional domains
		history.Module,
		invoice.Module,
		wallet.Module,
		notifier.Module,
		subscription.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
