// Package repository defines error types that are reused across multiple
// repositories and by the engine layer above them. These sentinel values
// allow higher layers such as handlers to distinguish between different
// failure scenarios. For example, ErrConflict signals that a duplicate
// ACTIVE check-in session exists for a (user, store) pair, while
// ErrInvalidState means an operation is not valid for the current
// lifecycle state (including lazily-detected expiry).
package repository

import "errors"

// ErrNotFound is returned when a session, pending entry, store or user
// does not exist. Handlers should translate this into an HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when opening a check-in session while another
// ACTIVE session already exists for the same user and store. Handlers
// should translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrInvalidState is returned when an operation is attempted against a
// session or pending entry whose lifecycle state forbids it, e.g.
// appending a sample to a COMPLETED session or unlocking an entry that is
// no longer PENDING. Expiry races resolve to this error: expiry is
// authoritative, the operation never silently succeeds. Handlers should
// translate this into an HTTP 422 response.
var ErrInvalidState = errors.New("invalid state")

// ErrForbidden is returned when an authenticated caller acts on a
// resource they do not own, such as a merchant recording a purchase at
// a store registered to a different merchant. Handlers should translate
// this into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidArgument is returned for malformed amounts or coordinates,
// such as a non-positive Loop grant or a latitude outside [-90, 90].
// Handlers should translate this into an HTTP 400 response.
var ErrInvalidArgument = errors.New("invalid argument")
