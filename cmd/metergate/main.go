package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/cache"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/credit"
	"github.com/smallbiznis/metergate/internal/event"
	"github.com/smallbiznis/metergate/internal/metering"
	"github.com/smallbiznis/metergate/internal/migration"
	"github.com/smallbiznis/metergate/internal/observability"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	"github.com/smallbiznis/metergate/internal/rule"
	"github.com/smallbiznis/metergate/internal/scheduler"
	"github.com/smallbiznis/metergate/internal/server"
	"github.com/smallbiznis/metergate/internal/tracker"
	"github.com/smallbiznis/metergate/pkg/db"
	"github.com/smallbiznis/metergate/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,
		migration.Module,

		// Functional domains
		rule.Module,
		tracker.Module,
		credit.Module,
		event.Module,
		metering.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
