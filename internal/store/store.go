// Package store persists the whole master list. The reconciliation core
// never talks to a store; the calendar service does.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recurcal/internal/model"
)

// Store loads and saves complete master-list snapshots. Save either
// persists the whole list or fails without a partial write.
type Store interface {
	Load(ctx context.Context) (model.MasterList, error)
	Save(ctx context.Context, list model.MasterList) error
	Close() error
}

// Watcher is implemented by stores that can report external changes.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Driver string
	Path   string
}

// Open returns the backend named by cfg.Driver.
func Open(cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverFile:
		return NewFileStore(cfg.Path), nil
	case DriverSQLite:
		s, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
