package database

import (
	"context"
	"fmt"

	"investment-ledger/config"

	"github.com/rs/zerolog"
)

// Open builds the Store selected by cfg.Driver. The returned close func is
// always safe to call. Postgres stores are migrated when migrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig, migrate bool, logger zerolog.Logger) (Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory store, data will not survive a restart")
		return NewMemoryStore(), func() {}, nil

	case "", "postgres":
		db, err := NewDB(Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			Database: cfg.Database,
			SSLMode:  cfg.SSLMode,
			MaxConns: int32(cfg.MaxConns),
		}, logger)
		if err != nil {
			return nil, func() {}, err
		}
		if migrate {
			if err := db.RunMigrations(ctx); err != nil {
				db.Close()
				return nil, func() {}, err
			}
		}
		return NewRepository(db, logger), db.Close, nil
	}
	return nil, func() {}, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
