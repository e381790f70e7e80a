// Package all links every storage backend into the binary.
package all

import (
	_ "tigeretl/internal/storage/mssql"
	_ "tigeretl/internal/storage/postgres"
	_ "tigeretl/internal/storage/sqlite"
)
