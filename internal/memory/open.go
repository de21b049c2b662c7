package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"actionbridge/internal/config"
	"actionbridge/internal/domain"
)

// Open builds the conversation store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (domain.ConversationStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case dialectSQLite:
		return NewSQLiteStore(ctx, config.ExpandPath(cfg.DBPath), logger)
	case dialectMySQL:
		return NewMySQLStore(ctx, cfg.DSN, logger)
	case "redis":
		return NewRedisStore(ctx, RedisStoreConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.Redis.TTLHours) * time.Hour,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
