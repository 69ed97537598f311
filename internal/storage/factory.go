package storage

import (
	"fmt"
	"log/slog"
)

// NewStore builds an uninitialized store. For badger an empty path selects
// in-memory mode.
func NewStore(kind, path string, logger *slog.Logger) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(BadgerConfig{
			Path:       path,
			InMemory:   path == "",
			SyncWrites: path != "",
			Logger:     logger,
		}), nil
	case "sqlite":
		return newSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
