// Package history persists an append-only log of ledger entries. The
// in-memory ledger never depends on it succeeding.
package history

import (
	"context"
	"fmt"

	"chat-relay/internal/config"
	"chat-relay/internal/models"
)

// Store is the append-only history collaborator.
type Store interface {
	Append(ctx context.Context, rec models.HistoryRecord) error
	List(ctx context.Context) ([]models.HistoryRecord, error)
	Close() error
}

// Open returns the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	switch cfg.Backend {
	case config.HistoryBackendFile:
		return NewFileStore(cfg.Path), nil
	case config.HistoryBackendPebble:
		return NewPebbleStore(cfg.PebbleDir)
	case config.HistoryBackendPostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.HistoryBackendNone, "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

// Nop discards every record.
type Nop struct{}

func (Nop) Append(context.Context, models.HistoryRecord) error { return nil }

func (Nop) List(context.Context) ([]models.HistoryRecord, error) {
	return []models.HistoryRecord{}, nil
}

func (Nop) Close() error { return nil }
