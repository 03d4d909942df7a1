package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/aggregation"
	"github.com/smallbiznis/meterflow/internal/audit"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/customer"
	"github.com/smallbiznis/meterflow/internal/invoice"
	"github.com/smallbiznis/meterflow/internal/lock"
	"github.com/smallbiznis/meterflow/internal/observability"
	metricspush "github.com/smallbiznis/meterflow/internal/observability/push"
	"github.com/smallbiznis/meterflow/internal/pipeline"
	"github.com/smallbiznis/meterflow/internal/pricing"
	"github.com/smallbiznis/meterflow/internal/rating"
	"github.com/smallbiznis/meterflow/internal/reconciliation"
	"github.com/smallbiznis/meterflow/internal/usage"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const stopTimeout = 15 * time.Second

var infraModules = fx.Options(
	config.Module,
	observability.Module,
	metricspush.Module,
	fx.Provide(RegisterSnowflake),
	db.Module,
	clock.Module,
)

var domainModules = fx.Options(
	lock.Module,
	usage.Module,
	customer.Module,
	pricing.Module,
	aggregation.Module,
	rating.Module,
	invoice.Module,
	reconciliation.Module,
	audit.Module,
	pipeline.Module,
)

// withApp starts a short-lived fx graph built from modules, populates
// targets and stops the graph when fn returns.
func withApp(ctx context.Context, modules fx.Option, fn func() error, targets ...any) error {
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
		modules,
		fx.Populate(targets...),
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	runErr := fn()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func RegisterSnowflake(cfg config.Config, log *zap.Logger) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNodeID)
	if err != nil {
		return nil, err
	}
	log.Debug("snowflake node ready", zap.Int64("node_id", cfg.SnowflakeNodeID))
	return node, nil
}
