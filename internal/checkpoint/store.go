// Package checkpoint persists the conversation state of chat threads between runs.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"graphchat/internal/config"
)

// Store persists the latest checkpoint of each thread.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the checkpoint of a thread, or ErrNotFound.
	Load(ctx context.Context, threadID string) ([]byte, error)

	// Save overwrites the checkpoint of a thread.
	Save(ctx context.Context, threadID string, data []byte) error

	// Delete removes the checkpoint of a thread. Missing threads are not an error.
	Delete(ctx context.Context, threadID string) error

	// Close releases connections and files.
	Close() error
}

var (
	// ErrNotFound indicates a thread has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")
)

// Open constructs the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverSQLite, "":
		return NewSQLiteStore(ctx, cfg.Path)
	case config.DriverMySQL:
		return NewMySQLStore(ctx, cfg)
	case config.DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver %q", cfg.Driver)
	}
}
