// Package migrations embeds the SQL schema files so the migration runner
// works regardless of the process working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem, ordered by filename.
//
//go:embed *.sql
var FS embed.FS
