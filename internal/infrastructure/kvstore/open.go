// Package kvstore provides the durable string key/value backends used by the
// credential store.
package kvstore

import (
	"fmt"

	"cohort.app/auth/internal/core/ports"
)

// Backend kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open returns the backend named by kind. File options only apply to the
// file backend.
func Open(kind, path string, opts ...FileOption) (ports.KeyValueStore, error) {
	switch kind {
	case KindMemory:
		return NewMemory(), nil
	case KindFile, "":
		return NewFile(path, opts...)
	case KindSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

var (
	_ ports.KeyValueStore = (*Memory)(nil)
	_ ports.KeyValueStore = (*File)(nil)
	_ ports.KeyValueStore = (*SQLite)(nil)
)
