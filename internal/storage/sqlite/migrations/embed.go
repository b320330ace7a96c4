// Package migrations contains embedded SQL migrations for the SQLite
// journal.
package migrations

import "embed"

//go:embed journal/*.sql
var JournalFS embed.FS
