package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/verdant/internal/cache"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/locker"
	"github.com/smallbiznis/verdant/internal/migration"
	"github.com/smallbiznis/verdant/internal/observability"
	"github.com/smallbiznis/verdant/internal/scheduler"
	"github.com/smallbiznis/verdant/internal/server"
	"github.com/smallbiznis/verdant/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		locker.Module,
		migration.Module,

		// HTTP API plus every feature module it serves
		server.Module,

		// Background jobs
		scheduler.Module,
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
