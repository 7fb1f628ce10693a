// Package migrations embeds the escrow schema so the migrate command
// carries its SQL with it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
