package postgres

import "tigeretl/internal/storage"

func init() {
	storage.Register("postgres", New)
}
