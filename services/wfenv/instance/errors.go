// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instance

import "errors"

var (
	// ErrNotFound is returned when the host owns no environment with an id.
	ErrNotFound = errors.New("environment not found")

	// ErrNilStore is returned when Persist or Restore receives no store.
	ErrNilStore = errors.New("snapshot store is required")

	// ErrNoMatchingEnvironments is returned by ApplyUpdate when no live
	// environment uses the old definition.
	ErrNoMatchingEnvironments = errors.New("no environment uses the definition")

	// ErrUnknownDefinition is returned by Restore when a snapshot names a
	// definition the resolver does not know.
	ErrUnknownDefinition = errors.New("unknown definition")
)
