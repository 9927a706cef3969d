// Package migrations embeds the block store schema migrations.
package migrations

import "embed"

// FS holds the golang-migrate migration files.
//
//go:embed *.sql
var FS embed.FS
