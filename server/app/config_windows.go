//go:build windows
// +build windows

package app

const (
	defaultSQLiteConnectionString = "file:C:\\ProgramData\\buildbeaver\\db\\sqlite.db?cache=shared"
	defaultLogDir                 = "C:\\ProgramData\\buildbeaver\\logs"
	defaultStoreBaseDir           = "C:\\ProgramData\\buildbeaver\\store"
)
