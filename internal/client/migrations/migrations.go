// Package migrations embeds the goose migrations of the briefcase database.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
