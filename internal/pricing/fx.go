package pricing

import (
	"github.com/smallbiznis/meterflow/internal/pricing/repository"
	"github.com/smallbiznis/meterflow/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
