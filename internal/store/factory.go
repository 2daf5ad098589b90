package store

import "fmt"

// New creates a Store for the given storage driver. The in-memory store is
// the default; sqlite and postgres provide durable backings with the same
// semantics.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", driver)
	}
}
