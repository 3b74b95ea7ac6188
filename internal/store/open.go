package store

import (
	"fmt"

	"github.com/matheus3301/tarpsync/internal/kv"
	"go.uber.org/zap"
)

// OpenSQLite opens the database at path and applies migrations.
func OpenSQLite(path string, logger *zap.Logger) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	return db, nil
}

// OpenWithFallback opens the sqlite store at path. When the embedded
// database cannot be used, it logs the reason and returns a key-value store
// built by fallback instead. preferKV skips sqlite entirely.
func OpenWithFallback(path string, preferKV bool, fallback func() (kv.Backend, error), logger *zap.Logger) (Store, error) {
	if !preferKV {
		db, err := OpenSQLite(path, logger)
		if err == nil {
			logger.Info("store initialized", zap.String("backend", string(CapabilitySQLite)), zap.String("path", path))
			return db, nil
		}
		logger.Warn("sqlite unavailable, using key-value fallback", zap.Error(err))
	}

	b, err := fallback()
	if err != nil {
		return nil, fmt.Errorf("open kv fallback: %w", err)
	}
	logger.Info("store initialized", zap.String("backend", string(CapabilityKV)))
	return NewKVStore(b), nil
}
