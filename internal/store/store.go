// Package store persists engine snapshots so positions and in-flight
// orders survive a restart. The snapshot is advisory: reconciliation
// against the broker remains the source of truth after recovery.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nixikanius/trading-bot/internal/config"
	"github.com/nixikanius/trading-bot/internal/core"
)

// Snapshot is the persisted engine state
type Snapshot struct {
	Positions []core.Position `json:"positions"`
	Orders    []core.Order    `json:"orders"` // non-terminal orders only
	Version   int             `json:"version"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Store saves and loads snapshots. Load returns (nil, nil) when no
// snapshot exists.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Open builds the configured store driver
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}
