// Package all registers every warehouse backend with the storage registry.
package all

import (
	_ "snapwh/internal/storage/mssql"
	_ "snapwh/internal/storage/mysql"
	_ "snapwh/internal/storage/postgres"
	_ "snapwh/internal/storage/sqlite"
)
