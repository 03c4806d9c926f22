package store

import (
	"fmt"
	"path/filepath"

	"github.com/codesdk/codesdk/internal/common/config"
	"github.com/codesdk/codesdk/internal/common/logger"
)

// Provide builds the configured event store backend. The SQLite database
// lives under the data directory; memory is for tests and throwaway runs.
func Provide(cfg *config.Config, log *logger.Logger) (*Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return NewSQLite(filepath.Join(cfg.DataDir, "events.db"), log)
	case "postgres":
		return NewPostgres(cfg.Store.DSN(), log)
	case "memory":
		return NewMemory(log), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
