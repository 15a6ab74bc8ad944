// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wfenv

import "errors"

var (
	// ErrUnknownActivity is returned when an update names an activity that
	// no running environment uses.
	ErrUnknownActivity = errors.New("no running environment uses the activity")

	// ErrNoStore is returned by Persist when the service has no store.
	ErrNoStore = errors.New("no snapshot store configured")

	// ErrInvalidRequest is returned for malformed update documents.
	ErrInvalidRequest = errors.New("invalid request")
)
