//go:build cgo

package store

import (
	// mattn/go-sqlite3 registers the "sqlite3" driver; the sqlite-vec
	// extension attaches to it when built with the sqlite_vec tag.
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"
