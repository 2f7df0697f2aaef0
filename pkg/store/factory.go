package store

import (
	"fmt"

	"github.com/simworld/simworld/pkg/config"
)

// New builds the configured Store backend. The pool is shared so SQLite's
// single-connection constraint holds across components.
func New(cfg *config.StoreConfig, pool *config.DBPool) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sql":
		db, err := pool.Get(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open store database: %w", err)
		}
		return NewSQLStore(db, cfg.Database.Driver)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
