package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every rejected registry operation. Match them
// with errors.Is; operations wrap them in RegistryError.
var (
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnknownIdentity = errors.New("unknown identity")
	ErrNotFound        = errors.New("not found")
	ErrNotOwner        = errors.New("not owner")
	ErrOverflow        = errors.New("overflow")
	ErrUnderflow       = errors.New("underflow")
	ErrBadOrigin       = errors.New("bad origin")
	ErrInvalidAccount  = errors.New("invalid account")
)

// EntityType names the record kind an error or change refers to.
type EntityType string

// Entity identifiers used in errors and rule violations.
const (
	EntityIdentity        EntityType = "identity"
	EntityAuthorizedToken EntityType = "authorized_token"
	EntityNonce           EntityType = "nonce"
)

// RegistryError is returned by every registry operation that rejects its input.
// The operation leaves state untouched whenever a RegistryError is returned.
type RegistryError struct {
	Err    error
	Entity EntityType
	ID     Hash
	Detail string
}

func (e RegistryError) Error() string {
	msg := e.Err.Error()
	if e.Entity != "" {
		if e.ID.IsZero() {
			msg = fmt.Sprintf("%s: %s", e.Entity, msg)
		} else {
			msg = fmt.Sprintf("%s %s: %s", e.Entity, e.ID, msg)
		}
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap exposes the sentinel for errors.Is.
func (e RegistryError) Unwrap() error { return e.Err }
