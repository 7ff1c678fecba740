// Package blob is the entry point to checkpoint storage: it re-exports the
// store contract and opens the configured backend.
package blob

import "identitycore/internal/blob/core"

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Info       = core.Info
	// Store never overwrites; see core.Store.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// Errors shared by every backend. Match them with errors.Is.
var (
	ErrInvalidKey = core.ErrInvalidKey
	ErrNotFound   = core.ErrNotFound
	ErrExists     = core.ErrExists
)
