package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCatalogHolder),
	fx.Provide(func(h *CatalogHolder) CatalogReader { return h }),
)
