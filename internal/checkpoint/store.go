package checkpoint

import (
	"context"
	"fmt"
)

// Store keeps encoded Records. Load and Latest report whether a record was
// found instead of failing on absence.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id string) (Record, bool, error)
	Latest(ctx context.Context) (Record, bool, error)
	Close() error
}

// NewStore returns the backend named by kind. path is a directory for the
// file store and a database file for sqlite; the memory store ignores it.
func NewStore(kind, path string, precision Precision) (Store, error) {
	if _, _, err := precision.tag(); err != nil {
		return nil, err
	}
	switch kind {
	case "", "memory":
		return NewMemoryStore(precision), nil
	case "file":
		return NewFileStore(path, precision), nil
	case "sqlite":
		return NewSQLiteStore(path, precision), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint store: %s", kind)
	}
}
