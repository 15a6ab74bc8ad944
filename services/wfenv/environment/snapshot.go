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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

// Snapshot is the flat persisted form of an Environment.
//
// Either Single or Slots is set, never both. Values round-trip through JSON,
// so numeric values come back as float64. Reference locations are persisted
// by value.
type Snapshot struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definition_id,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`

	Single *SlotSnapshot  `json:"single_location,omitempty"`
	Slots  []SlotSnapshot `json:"locations,omitempty"`

	HasMappableLocations   bool `json:"has_mappable_locations,omitempty"`
	ReferenceCountMinusOne int  `json:"reference_count_minus_one,omitempty"`
	OwnerCompleted         bool `json:"owner_completed,omitempty"`

	// HasHandles records the uninitialize obligation, including handles
	// declared without AddHandle.
	HasHandles bool `json:"has_handles,omitempty"`

	Handles []HandleSnapshot `json:"handles,omitempty"`

	// PendingRegistrations are slot ids whose registration was deferred.
	PendingRegistrations []int `json:"pending_registrations,omitempty"`
}

// SlotSnapshot is one persisted slot.
type SlotSnapshot struct {
	State    string            `json:"state"`
	Location *LocationSnapshot `json:"location,omitempty"`
}

// LocationSnapshot is one persisted location.
type LocationSnapshot struct {
	Type     string `json:"type"`
	Mappable bool   `json:"mappable,omitempty"`
	HasValue bool   `json:"has_value,omitempty"`
	Value    any    `json:"value,omitempty"`

	// Handle is the index into Snapshot.Handles when the value is a handle.
	Handle *int `json:"handle,omitempty"`

	Temporary            bool              `json:"temporary,omitempty"`
	BufferGetsOnCollapse bool              `json:"buffer_gets_on_collapse,omitempty"`
	Resolved             *LocationSnapshot `json:"resolved,omitempty"`
}

// HandleSnapshot is one persisted handle.
type HandleSnapshot struct {
	Kind  string          `json:"kind"`
	State json.RawMessage `json:"state"`
}

// SlotCount returns the number of slots the snapshot describes.
func (s *Snapshot) SlotCount() int {
	if s.Single != nil {
		return 1
	}
	return len(s.Slots)
}

// Snapshot captures the environment's persistent state.
//
// Outputs:
//
//	*Snapshot - The snapshot. Never nil on success.
//	error - ErrDisposed for a disposed environment, or a handle encoding
//	error.
func (e *Environment) Snapshot() (*Snapshot, error) {
	if e.disposed {
		return nil, fmt.Errorf("%w: snapshot of %s", ErrDisposed, e.id)
	}

	snap := &Snapshot{
		ID:                     e.id.String(),
		DefinitionID:           e.definition.DefinitionID(),
		HasMappableLocations:   e.hasMappableLocations,
		ReferenceCountMinusOne: e.refCountMinusOne,
		OwnerCompleted:         e.ownerCompleted,
		HasHandles:             e.hasHandles,
	}
	if pid := e.ParentID(); pid != uuid.Nil {
		snap.ParentID = pid.String()
	}

	handleIndex := make(map[Handle]int, len(e.handles))
	for i, h := range e.handles {
		data, err := json.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("encode handle %d (%s): %w", i, h.Kind(), err)
		}
		snap.Handles = append(snap.Handles, HandleSnapshot{Kind: h.Kind(), State: data})
		handleIndex[h] = i
	}

	switch st := e.store.(type) {
	case *singleStore:
		ss := snapshotSlot(st.s, handleIndex)
		snap.Single = &ss
	case *arrayStore:
		snap.Slots = make([]SlotSnapshot, len(st.slots))
		for i, s := range st.slots {
			snap.Slots[i] = snapshotSlot(s, handleIndex)
		}
	}

	if e.pending != nil {
		for _, r := range e.pending.registrations {
			snap.PendingRegistrations = append(snap.PendingRegistrations, r.id)
		}
	}
	return snap, nil
}

func snapshotSlot(s slot, handles map[Handle]int) SlotSnapshot {
	out := SlotSnapshot{State: s.state.String()}
	if s.state == SlotBound {
		out.Location = snapshotLocation(s.loc, handles)
	}
	return out
}

func snapshotLocation(loc *location.Location, handles map[Handle]int) *LocationSnapshot {
	out := &LocationSnapshot{
		Type:     loc.TypeName(),
		Mappable: loc.CanBeMapped(),
	}
	if loc.IsTemporary() {
		out.Temporary = true
		out.BufferGetsOnCollapse = loc.BufferGetsOnCollapse()
		if inner := loc.Resolved(); inner != nil {
			out.Resolved = snapshotLocation(inner, handles)
		}
		return out
	}

	out.HasValue = loc.HasValue()
	if h, ok := loc.Value().(Handle); ok {
		if idx, found := handles[h]; found {
			out.Handle = &idx
			return out
		}
	}
	out.Value = loc.Value()
	return out
}

// Restore rebuilds an environment from snap.
//
// Description:
//
//	The result has no executor, definition or parent. The host relinks the
//	parent from ParentID, and OnDeserialized attaches the executor, the
//	definition and the handles and re-registers mappable locations.
//
// Outputs:
//
//	*Environment - The restored environment.
//	error - Wraps ErrInvalidSnapshot or ErrUnknownHandleKind on failure.
func Restore(snap *Snapshot) (*Environment, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}
	if snap.Single != nil && len(snap.Slots) > 0 {
		return nil, fmt.Errorf("%w: both single and array slots present", ErrInvalidSnapshot)
	}

	id, err := uuid.Parse(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %w", ErrInvalidSnapshot, err)
	}
	var parentID uuid.UUID
	if snap.ParentID != "" {
		if parentID, err = uuid.Parse(snap.ParentID); err != nil {
			return nil, fmt.Errorf("%w: parent id: %w", ErrInvalidSnapshot, err)
		}
	}
	if snap.ReferenceCountMinusOne < -1 {
		return nil, fmt.Errorf("%w: reference count minus one is %d", ErrInvalidSnapshot, snap.ReferenceCountMinusOne)
	}

	handles := make([]Handle, len(snap.Handles))
	for i, hs := range snap.Handles {
		h, err := newHandle(hs.Kind)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(hs.State, h); err != nil {
			return nil, fmt.Errorf("%w: handle %d: %w", ErrInvalidSnapshot, i, err)
		}
		handles[i] = h
	}

	e := &Environment{
		id:                   id,
		parentID:             parentID,
		hasMappableLocations: snap.HasMappableLocations,
		refCountMinusOne:     snap.ReferenceCountMinusOne,
		ownerCompleted:       snap.OwnerCompleted,
		hasHandles:           snap.HasHandles || len(handles) > 0,
		handles:              handles,
		restored:             true,
	}
	e.logger = e.resolveLogger()

	if snap.Single != nil {
		s, err := e.restoreSlot(*snap.Single, handles)
		if err != nil {
			return nil, err
		}
		e.store = &singleStore{s: s}
	} else {
		slots := make([]slot, len(snap.Slots))
		for i, ss := range snap.Slots {
			if slots[i], err = e.restoreSlot(ss, handles); err != nil {
				return nil, fmt.Errorf("slot %d: %w", i, err)
			}
		}
		e.store = &arrayStore{slots: slots}
	}

	for _, id := range snap.PendingRegistrations {
		if _, ok := e.store.at(id); !ok {
			return nil, fmt.Errorf("%w: pending registration for slot %d out of range", ErrInvalidSnapshot, id)
		}
		e.pendingOrNew().addRegistration(id, nil)
	}
	return e, nil
}

func (e *Environment) restoreSlot(ss SlotSnapshot, handles []Handle) (slot, error) {
	state, ok := parseSlotState(ss.State)
	if !ok {
		return slot{}, fmt.Errorf("%w: slot state %q", ErrInvalidSnapshot, ss.State)
	}
	if state != SlotBound {
		return slot{state: state}, nil
	}
	if ss.Location == nil {
		return slot{}, fmt.Errorf("%w: bound slot without location", ErrInvalidSnapshot)
	}
	loc, err := e.restoreLocation(ss.Location, handles)
	if err != nil {
		return slot{}, err
	}
	return bound(loc), nil
}

func (e *Environment) restoreLocation(ls *LocationSnapshot, handles []Handle) (*location.Location, error) {
	loc := location.New(ls.Type)
	loc.SetMappable(ls.Mappable)

	if ls.Temporary {
		loc.SetTemporaryResolution(e, ls.BufferGetsOnCollapse)
		if ls.Resolved != nil {
			inner, err := e.restoreLocation(ls.Resolved, handles)
			if err != nil {
				return nil, err
			}
			loc.SetValue(inner)
		}
		return loc, nil
	}

	switch {
	case ls.Handle != nil:
		if *ls.Handle < 0 || *ls.Handle >= len(handles) {
			return nil, fmt.Errorf("%w: handle index %d out of range", ErrInvalidSnapshot, *ls.Handle)
		}
		loc.SetValue(handles[*ls.Handle])
	case ls.HasValue:
		loc.SetValue(ls.Value)
	}
	return loc, nil
}

// OnDeserialized re-attaches a restored environment to the live runtime.
//
// Description:
//
//	Attaches executor. If no definition was linked by Load, takes the one
//	the owning scope executes. Relinks handles without re-running their
//	initialize hooks, re-registers restored mappable locations, then
//	performs any registry work deferred by an update.
//
// Inputs:
//
//	executor - The engine context. Must not be nil.
//	scope - The owning instance.
func (e *Environment) OnDeserialized(executor Executor, scope Scope) {
	invariant(executor != nil, "on_deserialized", "nil executor")

	e.executor = executor
	e.logger = e.resolveLogger()

	if e.definition == nil && scope != nil {
		e.definition = scope.Activity()
	}

	e.ReinitializeHandles(scope)

	if e.restored {
		e.restored = false
		forEachSlot(e.store, func(i int, s *slot) {
			if s.state == SlotBound && s.loc.CanBeMapped() {
				e.registerLocation(s.loc, e.referenceFor(i, s.loc), scope)
			}
		})
	}

	e.RegisterUpdatedLocations(scope)
}
