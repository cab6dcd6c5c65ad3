package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/scrapexi/creditledger/internal/clock"
	"github.com/scrapexi/creditledger/internal/config"
	"github.com/scrapexi/creditledger/internal/ledger"
	"github.com/scrapexi/creditledger/internal/metering"
	"github.com/scrapexi/creditledger/internal/migration"
	"github.com/scrapexi/creditledger/internal/observability"
	"github.com/scrapexi/creditledger/internal/payment"
	"github.com/scrapexi/creditledger/internal/ratelimit"
	"github.com/scrapexi/creditledger/internal/scheduler"
	"github.com/scrapexi/creditledger/internal/server"
	"github.com/scrapexi/creditledger/pkg/db"
	"go.uber.org/fx"
)

// Single process serving the HTTP API and running the scheduler.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Functional Domains
		ledger.Module,
		metering.Module,
		payment.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
