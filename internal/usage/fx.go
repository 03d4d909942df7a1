package usage

import (
	"github.com/smallbiznis/meterflow/internal/usage/repository"
	"github.com/smallbiznis/meterflow/internal/usage/service"
	"github.com/smallbiznis/meterflow/internal/usage/source"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	source.Module,
)
