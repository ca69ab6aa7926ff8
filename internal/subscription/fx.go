// Package subscription wires the subscription state machine.
package subscription

import (
	"github.com/snapstock/pointsbilling/internal/subscription/repository"
	"github.com/snapstock/pointsbilling/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
