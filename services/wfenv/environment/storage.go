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

// SlotState is the state of one environment slot.
type SlotState int

const (
	// SlotEmpty has never been declared.
	SlotEmpty SlotState = iota

	// SlotPlaceholder was added by a dynamic update and awaits a Declare.
	SlotPlaceholder

	// SlotBound holds a Location.
	SlotBound
)

// String returns the state name.
func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotPlaceholder:
		return "placeholder"
	case SlotBound:
		return "bound"
	default:
		return "unknown"
	}
}

func parseSlotState(s string) (SlotState, bool) {
	switch s {
	case "empty", "":
		return SlotEmpty, true
	case "placeholder":
		return SlotPlaceholder, true
	case "bound":
		return SlotBound, true
	default:
		return SlotEmpty, false
	}
}

type slot struct {
	state SlotState
	loc   *location.Location
}

func bound(loc *location.Location) slot {
	return slot{state: SlotBound, loc: loc}
}

// slotStore is the storage variant: singleStore or arrayStore.
type slotStore interface {
	size() int
	at(i int) (*slot, bool)
}

// singleStore holds exactly one slot.
type singleStore struct {
	s slot
}

func (st *singleStore) size() int { return 1 }

func (st *singleStore) at(i int) (*slot, bool) {
	if i != 0 {
		return nil, false
	}
	return &st.s, true
}

// arrayStore holds zero or more slots.
type arrayStore struct {
	slots []slot
}

func (st *arrayStore) size() int { return len(st.slots) }

func (st *arrayStore) at(i int) (*slot, bool) {
	if i < 0 || i >= len(st.slots) {
		return nil, false
	}
	return &st.slots[i], true
}

func newStore(capacity int) slotStore {
	if capacity == 1 {
		return &singleStore{}
	}
	return &arrayStore{slots: make([]slot, capacity)}
}

// storeFrom commits a rebuilt slot list, using the single form for exactly
// one slot.
func storeFrom(slots []slot) slotStore {
	if len(slots) == 1 {
		return &singleStore{s: slots[0]}
	}
	return &arrayStore{slots: slots}
}

// normalized returns the slots as an array view without mutating st.
//
// An undeclared single slot counts as no slots at all, matching a root scope
// that never received its only symbol.
func normalized(st slotStore) []slot {
	switch v := st.(type) {
	case *singleStore:
		if v.s.state == SlotEmpty {
			return nil
		}
		return []slot{v.s}
	case *arrayStore:
		return v.slots
	default:
		return nil
	}
}

func forEachSlot(st slotStore, fn func(i int, s *slot)) {
	for i := 0; i < st.size(); i++ {
		s, _ := st.at(i)
		fn(i, s)
	}
}
