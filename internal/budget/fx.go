package budget

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/verdant/internal/budget/repository"
	"github.com/smallbiznis/verdant/internal/budget/service"
)

// Module wires the carbon budget service.
var Module = fx.Module("budget.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
