// Package dbmigrations exposes embedded SQL migrations for QuoteDesk binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into QuoteDesk binaries.
//
//go:embed *.sql
var Files embed.FS
