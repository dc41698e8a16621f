//go:build !windows
// +build !windows

package app

const (
	defaultSQLiteConnectionString = "file:/var/lib/buildbeaver/db/sqlite.db?cache=shared"
	defaultLogDir                 = "/var/lib/buildbeaver/logs"
	defaultStoreBaseDir           = "/var/lib/buildbeaver/store"
)
