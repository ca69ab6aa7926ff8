// Package invoice wires the invoice ledger into the application graph.
package invoice

import (
	"github.com/snapstock/pointsbilling/internal/invoice/repository"
	"github.com/snapstock/pointsbilling/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
