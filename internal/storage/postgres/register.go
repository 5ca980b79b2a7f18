package postgres

import "rawstage/internal/storage"

func init() {
	storage.Register("postgres", New)
}
