package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/scrapexi/creditledger/internal/clock"
	"github.com/scrapexi/creditledger/internal/config"
	"github.com/scrapexi/creditledger/internal/ledger"
	"github.com/scrapexi/creditledger/internal/observability"
	"github.com/scrapexi/creditledger/internal/ratelimit"
	"github.com/scrapexi/creditledger/internal/scheduler"
	"github.com/scrapexi/creditledger/pkg/db"
	"go.uber.org/fx"
)

// Runs the annual reset and cancellation sweeps without the HTTP server.
// Several replicas may run; the Redis lock keeps one job runner at a time.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		ledger.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
