// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package environment

import (
	"errors"
	"fmt"
)

// Sentinel errors for the environment package.
var (
	// ErrDisposed is returned by slot reads after Dispose.
	ErrDisposed = errors.New("environment has been disposed")

	// ErrUpdateRejected is wrapped by every *UpdateError.
	ErrUpdateRejected = errors.New("instance update rejected")

	// ErrHandleUninitialize is returned when one or more handle hooks fail
	// during UninitializeHandles.
	ErrHandleUninitialize = errors.New("handle uninitialize failed")

	// ErrHandleInitialize is returned when a handle's initialize hook fails.
	ErrHandleInitialize = errors.New("handle initialize failed")

	// ErrInvariant is wrapped by the *InvariantError panics raised on caller
	// bugs such as double disposal.
	ErrInvariant = errors.New("environment invariant violated")

	// ErrInvalidSnapshot is returned when a snapshot cannot be restored.
	ErrInvalidSnapshot = errors.New("invalid environment snapshot")

	// ErrUnknownHandleKind is returned when a snapshot names a handle kind
	// that was never registered.
	ErrUnknownHandleKind = errors.New("unknown handle kind")
)

// UpdateError reports a migration that was rejected before any mutation.
type UpdateError struct {
	EnvironmentID string
	DefinitionID  string
	Reason        string
	Err           error
}

// Error returns the error message.
func (e *UpdateError) Error() string {
	msg := fmt.Sprintf("update of environment %s (definition %q) rejected: %s", e.EnvironmentID, e.DefinitionID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrUpdateRejected and the underlying cause, if any.
func (e *UpdateError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpdateRejected}
	}
	return []error{ErrUpdateRejected, e.Err}
}

// InvariantError is the panic value for precondition violations.
type InvariantError struct {
	Op  string
	Msg string
}

// Error returns the error message.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvariant.Error(), e.Op, e.Msg)
}

// Unwrap returns ErrInvariant.
func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}

// invariant panics with an *InvariantError when cond is false.
func invariant(cond bool, op, format string, args ...any) {
	if !cond {
		panic(&InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)})
	}
}
