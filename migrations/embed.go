// Package migrations embeds the SQL schema so binaries can apply it without
// shipping the files separately.
package migrations

import "embed"

// Files holds every up and down migration.
//
//go:embed *.sql
var Files embed.FS
