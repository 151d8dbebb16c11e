package alert

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/verdant/internal/alert/repository"
	"github.com/smallbiznis/verdant/internal/alert/service"
)

// Module wires the alert event service.
var Module = fx.Module("alert.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
