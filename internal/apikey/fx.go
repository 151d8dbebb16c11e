package apikey

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/verdant/internal/apikey/repository"
	"github.com/smallbiznis/verdant/internal/apikey/service"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
