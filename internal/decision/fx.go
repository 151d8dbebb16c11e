package decision

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/verdant/internal/decision/repository"
	"github.com/smallbiznis/verdant/internal/decision/service"
)

// Module wires the placement decision engine.
var Module = fx.Module("decision.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
