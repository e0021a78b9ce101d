// Package migrations provides embedded SQL schema files.
package migrations

import (
	_ "embed"
)

// JournalSQL creates the in-memory session journal.
//
//go:embed sql/001_journal.sql
var JournalSQL string
