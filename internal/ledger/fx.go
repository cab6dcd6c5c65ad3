package ledger

import (
	"github.com/scrapexi/creditledger/internal/ledger/repository"
	"github.com/scrapexi/creditledger/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
