// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import "errors"

var (
	// ErrPathRequired is returned when a persistent database has no path.
	ErrPathRequired = errors.New("path is required for persistent database")

	// ErrNotFound is returned when no snapshot exists for an id.
	ErrNotFound = errors.New("snapshot not found")

	// ErrNilSnapshot is returned when Save receives a nil snapshot.
	ErrNilSnapshot = errors.New("nil snapshot")
)
