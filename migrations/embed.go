package migrations

import "embed"

// Files exposes embedded SQL migration files, one directory per database
// dialect, applied in lexicographical order.
//
//go:embed sqlite/*.sql postgres/*.sql
var Files embed.FS
