package workload

import (
	"github.com/smallbiznis/verdant/internal/workload/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("workload",
	fx.Provide(repository.Provide),
)
