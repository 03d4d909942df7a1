package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/aggregation"
	"github.com/smallbiznis/meterflow/internal/audit"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/customer"
	"github.com/smallbiznis/meterflow/internal/invoice"
	"github.com/smallbiznis/meterflow/internal/lock"
	"github.com/smallbiznis/meterflow/internal/migration"
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/pipeline"
	"github.com/smallbiznis/meterflow/internal/pricing"
	"github.com/smallbiznis/meterflow/internal/rating"
	"github.com/smallbiznis/meterflow/internal/reconciliation"
	"github.com/smallbiznis/meterflow/internal/scheduler"
	"github.com/smallbiznis/meterflow/internal/server"
	"github.com/smallbiznis/meterflow/internal/usage"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,

		// Pipeline domains
		usage.Module,
		customer.Module,
		pricing.Module,
		aggregation.Module,
		rating.Module,
		invoice.Module,
		reconciliation.Module,
		audit.Module,
		pipeline.Module,

		scheduler.Module,
		// Health, metrics and run history.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.SnowflakeNodeID)
	if err != nil {
		panic(err)
	}
	return node
}
