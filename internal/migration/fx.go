package migration

import (
	"github.com/scrapexi/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if cfg.Type != db.TypePostgres {
			log.Info("migration.auto", zap.String("dialect", cfg.Type))
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("migration.applied")
		return nil
	}),
)
