// Package all registers every storage backend with the storage registry.
package all

import (
	_ "rawstage/internal/storage/mssql"
	_ "rawstage/internal/storage/postgres"
	_ "rawstage/internal/storage/sqlite"
)
