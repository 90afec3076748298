// Package migrations embeds the store schema. The SQL is shared by the SQLite
// and PostgreSQL dialects.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
