//go:build !cgo

package store

import (
	// Pure-Go fallback driver. ANN indexing is unavailable here; vector
	// search degrades to the brute-force cosine scan.
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"
