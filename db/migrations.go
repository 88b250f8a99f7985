// Package db holds the schema migrations of the engine's stores.
package db

import "embed"

// Migrations contains one directory of golang-migrate files per driver:
// migrations/postgres and migrations/sqlite.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var Migrations embed.FS
