package migrations

import "embed"

// FS contains embedded PostgreSQL migrations for session storage.
//
//go:embed *.sql
var FS embed.FS
