package scaler

import (
	"github.com/smallbiznis/verdant/internal/scaler/service"
	"go.uber.org/fx"
)

var Module = fx.Module("scaler.service",
	fx.Provide(service.New),
)
