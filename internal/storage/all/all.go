// Package all registers every storage backend. Blank-import it from binaries
// that select a backend by name at runtime.
package all

import (
	_ "paperetl/internal/storage/mssql"
	_ "paperetl/internal/storage/postgres"
	_ "paperetl/internal/storage/sqlite"
)
