package sqlite

import "database/sql"

// DB exposes the handle so tests can damage rows directly.
func (s *Store) DB() *sql.DB { return s.db }
