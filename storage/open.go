package storage

import (
	"fmt"
	"io"
	"strings"

	"treasuryvault/native/vault"
)

// Supported storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLevelDB  = "leveldb"
)

// Config selects and locates the backing store.
type Config struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// Backend is a vault store owning releasable resources.
type Backend interface {
	vault.Store
	io.Closer
}

// Open constructs the backend named by cfg.Driver. An empty driver selects sqlite.
func Open(cfg Config) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case "", DriverSQLite:
		return OpenGorm(DriverSQLite, cfg.DSN)
	case DriverPostgres:
		return OpenGorm(DriverPostgres, cfg.DSN)
	case DriverLevelDB:
		return OpenLevelDB(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
