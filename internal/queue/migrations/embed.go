package migrations

import "embed"

// FS contains the embedded SQLite migrations for the pending write queue.
//
//go:embed *.sql
var FS embed.FS
