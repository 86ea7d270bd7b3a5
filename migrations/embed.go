// Package migrations embeds the SQL schema of the Postgres records store.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
