package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/skypro1111/udp-relay-service/internal/config"
)

var (
	// ErrPlayerNotFound is returned when no stored row matches the reported id
	ErrPlayerNotFound = errors.New("player not found")

	// ErrUnknownDriver is returned by Open for unsupported drivers
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Store records the final position of a disconnecting player
type Store interface {
	RecordLocation(ctx context.Context, id string, x, y, z float32) error
	Close() error
}

// Open builds the store selected by cfg.Driver. The "none" driver returns a nil Store.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverPostgres, config.DriverMySQL:
		store, err := OpenSQL(cfg.Driver, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverWebhook:
		store, err := NewWebhookStore(WebhookConfig{
			Endpoint:      cfg.Webhook.Endpoint,
			APIKey:        cfg.Webhook.APIKey,
			Timeout:       cfg.Webhook.GetTimeoutDuration(),
			MaxConcurrent: cfg.Webhook.MaxConcurrent,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
