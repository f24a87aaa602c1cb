package store

import (
	"fmt"

	"molva/internal/config"
)

var (
	_ Store = (*BboltStore)(nil)
	_ Store = (*SqliteStore)(nil)
)

// Open creates the adapter selected by configuration.
func Open(driver, path string) (Store, error) {
	switch driver {
	case config.DriverBbolt:
		return NewBboltStore(path)
	case config.DriverSqlite:
		return NewSqliteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
