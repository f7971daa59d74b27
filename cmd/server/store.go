package main

import (
	"context"
	"fmt"
	"log/slog"

	"reconciler/internal/identity/service"
	"reconciler/internal/identity/store/contact"
	"reconciler/internal/platform/config"
	"reconciler/internal/platform/database"
)

// contactStore is what the server needs from a contact store beyond the
// resolver's surface.
type contactStore interface {
	service.Store
	Ping(ctx context.Context) error
	Close() error
}

// openStore builds the contact store selected by STORE_DRIVER and prepares
// its schema.
func openStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (contactStore, error) {
	var store *contact.SQLStore
	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory contact store; data is lost on restart")
		return contact.NewInMemory(), nil
	case config.DriverPostgres:
		db, err := database.OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = contact.NewPostgres(db)
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = contact.NewSQLite(db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure contact schema: %w", err)
	}
	log.Info("contact store ready", "driver", cfg.Driver)
	return store, nil
}
