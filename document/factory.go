package document

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/internal/database"
)

// NewStore creates a Store based on the configuration. pool is only
// consulted for StoreTypeSQL and may be nil otherwise.
func NewStore(cfg StoreConfig, pool *database.PoolManager, logger *zap.Logger, opts ...Option) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(opts...), nil
	case StoreTypeFile:
		return NewFileStore(cfg, logger, opts...)
	case StoreTypeRedis:
		return NewRedisStore(cfg, logger, opts...)
	case StoreTypeSQL:
		if pool == nil {
			return nil, fmt.Errorf("sql document store requires a database pool")
		}
		return NewSQLStore(pool, cfg.AutoMigrate, logger, opts...)
	default:
		return nil, fmt.Errorf("unsupported document store type: %s", cfg.Type)
	}
}
