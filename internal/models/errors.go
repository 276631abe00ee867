package models

import "errors"

// Engine error taxonomy. Handlers map these onto HTTP status codes; the
// engine never returns ad-hoc error strings for conditions callers need to
// distinguish.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrState        = errors.New("illegal state transition")
	ErrUnauthorized = errors.New("unauthorized")
)
