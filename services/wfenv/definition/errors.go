// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package definition

import (
	"errors"
	"fmt"
)

// Sentinel errors for the definition package.
var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidMap is returned when a migration map is structurally invalid.
	ErrInvalidMap = errors.New("invalid migration map")

	// ErrNotBound is returned when an activity is used before Bind.
	ErrNotBound = errors.New("activity has not been bound")
)

// MapError describes one structural problem in a migration map.
type MapError struct {
	Category string
	Offset   int
	Reason   string
}

// Error returns the error message.
func (e *MapError) Error() string {
	return fmt.Sprintf("%s entry at offset %d: %s", e.Category, e.Offset, e.Reason)
}

// Unwrap returns ErrInvalidMap.
func (e *MapError) Unwrap() error {
	return ErrInvalidMap
}

func newMapError(category string, offset int, format string, args ...any) *MapError {
	return &MapError{
		Category: category,
		Offset:   offset,
		Reason:   fmt.Sprintf(format, args...),
	}
}
