package ledger

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverMemory   = "memory"
	DriverPebble   = "pebble"
	DriverPostgres = "postgres"
)

// Open builds the backend named by driver. location is a directory for
// pebble and a DSN for postgres; memory ignores it.
func Open(ctx context.Context, driver, location string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPebble:
		if location == "" {
			return nil, fmt.Errorf("pebble store requires a data directory")
		}
		return OpenPebbleStore(location)
	case DriverPostgres:
		if location == "" {
			return nil, fmt.Errorf("postgres store requires a DSN")
		}
		return OpenPostgresStore(ctx, location)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}
}
