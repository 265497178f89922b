package sql

import (
	"embed"
)

// Content holds the ordered schema migrations.
//
//go:embed schema/*.sql
var Content embed.FS
