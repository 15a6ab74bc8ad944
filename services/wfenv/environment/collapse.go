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
	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

// CollapseAll replaces every temporary resolution placeholder created by
// this environment with its final Location.
//
// A placeholder whose resolution produced nothing becomes a default-valued
// Location; otherwise it becomes a reference to the produced Location,
// buffering reads if the placeholder asked for it. Collapsed slots are no
// longer placeholders, so a second call changes nothing.
func (e *Environment) CollapseAll() {
	forEachSlot(e.store, func(_ int, s *slot) {
		if e.ownsPlaceholder(s) {
			e.collapse(s)
		}
	})
}

// CollapseOne collapses the single placeholder loc, used after one argument
// was added by a dynamic update.
//
// loc must have been created by this environment; anything else panics.
// If a later update already removed loc from the environment, CollapseOne
// does nothing.
func (e *Environment) CollapseOne(loc *location.Location) {
	invariant(loc != nil, "collapse", "nil location")
	invariant(loc.ResolutionOwner() == any(e), "collapse", "location belongs to another environment")

	forEachSlot(e.store, func(_ int, s *slot) {
		if s.state == SlotBound && s.loc == loc {
			e.collapse(s)
		}
	})
}

func (e *Environment) ownsPlaceholder(s *slot) bool {
	return s.state == SlotBound && s.loc.IsTemporary() && s.loc.ResolutionOwner() == any(e)
}

func (e *Environment) collapse(s *slot) {
	placeholder := s.loc
	if inner := placeholder.Resolved(); inner != nil {
		s.loc = inner.CreateReference(placeholder.BufferGetsOnCollapse())
	} else {
		s.loc = placeholder.CreateDefault()
	}
	collapsesTotal.Inc()
}
