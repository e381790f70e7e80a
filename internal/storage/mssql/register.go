package mssql

import (
	// Registers the "sqlserver" database/sql driver.
	_ "github.com/microsoft/go-mssqldb"

	"tigeretl/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}
