// Package migrations embeds the SQL schema of the snapshot cache.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
