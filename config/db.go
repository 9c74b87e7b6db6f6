package config

import (
	"fmt"

	dbm "github.com/tendermint/tm-db"

	gcos "github.com/gemcap/gemcap/libs/os"
)

// DBContext names the database to open and the config it is opened with.
type DBContext struct {
	ID     string
	Config *Config
}

// DBProvider opens the database described by a DBContext.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider opens ctx.ID with the configured backend, creating the
// database directory first for on-disk backends.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	backend := dbm.BackendType(ctx.Config.DBBackend)
	dir := ctx.Config.DBDir()

	if backend != dbm.MemDBBackend {
		if err := gcos.EnsureDir(dir, defaultDirPerm); err != nil {
			return nil, err
		}
	}
	db, err := dbm.NewDB(ctx.ID, backend, dir)
	if err != nil {
		return nil, fmt.Errorf("open %s database %q in %s: %w", backend, ctx.ID, dir, err)
	}
	return db, nil
}
