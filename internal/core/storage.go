package core

import (
	"fmt"
	"os"
	"strings"

	"github.com/slaclab/licco-sub000/internal/infra/persistence/memory"
	"github.com/slaclab/licco-sub000/internal/infra/persistence/postgres"
	"github.com/slaclab/licco-sub000/internal/infra/persistence/sqlite"
)

// Environment variables controlling storage driver selection.
const (
	EnvStorageDriver = "LICCO_STORAGE_DRIVER"
	EnvSQLitePath    = "LICCO_SQLITE_PATH"
	EnvPostgresDSN   = "LICCO_POSTGRES_DSN"
)

// StorageDriver selects the persistence backend.
type StorageDriver string

const (
	DriverMemory   StorageDriver = "memory"
	DriverSQLite   StorageDriver = "sqlite"
	DriverPostgres StorageDriver = "postgres"
)

// OpenPersistentStore constructs the store for the requested driver. An
// empty driver defaults to sqlite so a bare deployment survives restarts.
func OpenPersistentStore(driver StorageDriver, sqlitePath, postgresDSN string) (PersistentStore, error) {
	switch driver {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite, "":
		return sqlite.NewStore(sqlitePath)
	case DriverPostgres:
		return postgres.NewStore(postgresDSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

// OpenPersistentStoreFromEnv reads the LICCO_* storage variables and opens
// the corresponding store.
func OpenPersistentStoreFromEnv() (PersistentStore, error) {
	driver := StorageDriver(strings.ToLower(strings.TrimSpace(os.Getenv(EnvStorageDriver))))
	return OpenPersistentStore(driver, os.Getenv(EnvSQLitePath), os.Getenv(EnvPostgresDSN))
}
