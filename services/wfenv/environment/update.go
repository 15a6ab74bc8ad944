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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

// =============================================================================
// Pending update
// =============================================================================

type pendingRegistration struct {
	id  int
	ref *definition.LocationReference
}

// pendingUpdate holds registry work deferred by Update until the owning
// instance resumes.
type pendingUpdate struct {
	registrations   []pendingRegistration
	unregistrations []*location.Location
}

func (p *pendingUpdate) addRegistration(id int, ref *definition.LocationReference) {
	p.registrations = append(p.registrations, pendingRegistration{id: id, ref: ref})
}

func (e *Environment) pendingOrNew() *pendingUpdate {
	if e.pending == nil {
		e.pending = &pendingUpdate{}
	}
	return e.pending
}

// PendingUpdate is a read-only view of deferred registry work.
type PendingUpdate struct {
	// Registrations are slot ids of new mappable locations.
	Registrations []int

	// Unregistrations are mappable locations removed by an update.
	Unregistrations []*location.Location
}

// PendingUpdate returns the deferred registry work, if any.
func (e *Environment) PendingUpdate() (PendingUpdate, bool) {
	if e.pending == nil {
		return PendingUpdate{}, false
	}
	out := PendingUpdate{
		Registrations:   make([]int, len(e.pending.registrations)),
		Unregistrations: make([]*location.Location, len(e.pending.unregistrations)),
	}
	for i, r := range e.pending.registrations {
		out.Registrations[i] = r.id
	}
	copy(out.Unregistrations, e.pending.unregistrations)
	return out, true
}

// HasPendingUpdate reports whether deferred registry work exists.
func (e *Environment) HasPendingUpdate() bool {
	return e.pending != nil
}

// RegisterUpdatedLocations performs the registry work deferred by Update and
// clears it.
//
// Description:
//
//	Registers each new mappable location that is still bound, then
//	unregisters each removed mappable location. Without an executor the
//	work stays pending.
//
// Inputs:
//
//	scope - The owning instance, recorded with the registrations.
func (e *Environment) RegisterUpdatedLocations(scope Scope) {
	if e.pending == nil {
		return
	}
	if e.registrar() == nil {
		e.logger.Debug("deferring registry work until an executor is attached")
		return
	}

	p := e.pending
	e.pending = nil

	for _, r := range p.registrations {
		loc := e.boundAt(r.id)
		if loc == nil {
			continue
		}
		ref := r.ref
		if ref == nil {
			ref = e.referenceFor(r.id, loc)
		}
		e.registerLocation(loc, ref, scope)
	}
	for _, loc := range p.unregistrations {
		e.unregisterLocation(loc)
	}

	e.logger.Debug("applied deferred registry work",
		slog.Int("registrations", len(p.registrations)),
		slog.Int("unregistrations", len(p.unregistrations)),
	)
}

// =============================================================================
// Update
// =============================================================================

// ValidateUpdate checks that m can be applied to this environment for the
// new definition activity, without changing anything.
//
// Description:
//
//	Checks, in order: the map is structurally valid; activity is bound;
//	the map's new counts equal the activity's symbol counts; and the map's
//	old total equals the environment's current slot count. An environment
//	whose only slot was never declared counts as empty.
//
// Outputs:
//
//	error - An *UpdateError wrapping ErrUpdateRejected, or nil.
func (e *Environment) ValidateUpdate(m *definition.MigrationMap, activity *definition.Activity) error {
	if m == nil || activity == nil {
		return e.rejectUpdate(activity, "migration map and activity are required", definition.ErrInvalidInput)
	}
	if e.disposed {
		return e.rejectUpdate(activity, "environment is disposed", ErrDisposed)
	}
	if err := m.Validate(); err != nil {
		return e.rejectUpdate(activity, "invalid migration map", err)
	}
	if !activity.IsBound() {
		return e.rejectUpdate(activity, "new definition is not bound", definition.ErrNotBound)
	}

	if m.NewArgumentCount != len(activity.Arguments) ||
		m.NewVariableCount != len(activity.Variables) ||
		m.NewPrivateVariableCount != len(activity.ImplementationVariables) ||
		m.DelegateArgumentCount != len(activity.DelegateArguments) {
		return e.rejectUpdate(activity, fmt.Sprintf(
			"map declares %d arguments, %d variables, %d private variables and %d delegate arguments; activity has %d, %d, %d and %d",
			m.NewArgumentCount, m.NewVariableCount, m.NewPrivateVariableCount, m.DelegateArgumentCount,
			len(activity.Arguments), len(activity.Variables), len(activity.ImplementationVariables), len(activity.DelegateArguments),
		), nil)
	}

	actual := len(normalized(e.store))
	if expected := m.OldTotal(); expected != actual {
		return e.rejectUpdate(activity, fmt.Sprintf(
			"map expects %d original slots (%d arguments, %d variables, %d private variables, %d delegate arguments); environment has %d",
			expected, m.OldArgumentCount, m.OldVariableCount, m.OldPrivateVariableCount, m.DelegateArgumentCount, actual,
		), nil)
	}
	return nil
}

// Update migrates the environment in place to the layout described by m.
//
// Description:
//
//	Runs ValidateUpdate first; on rejection nothing changes. Otherwise the
//	slot array is rebuilt per category in the order arguments, public
//	variables, private variables, delegate arguments:
//	- added arguments become Placeholder slots, filled later by Declare
//	- added variables get a new Location from the variable definition;
//	  mappable ones are queued for registration
//	- moved slots copy the old slot from their old offset
//	- every other new slot copies the old slot at the same offset within
//	  its category
//	- delegate arguments are copied verbatim from the old tail
//	Removed mappable variables are queued for unregistration rather than
//	unregistered, so observers never see a handle gone before its owner has
//	torn it down. The rebuilt slots replace the old ones in one step; a new
//	total of one slot uses the single-slot form, and a total of zero leaves
//	the environment empty.
//
// Inputs:
//
//	m - The migration map for this scope. Must not be nil.
//	activity - The new, bound definition. Must not be nil.
//
// Outputs:
//
//	error - An *UpdateError wrapping ErrUpdateRejected, or nil.
func (e *Environment) Update(m *definition.MigrationMap, activity *definition.Activity) error {
	if err := e.ValidateUpdate(m, activity); err != nil {
		updatesTotal.WithLabelValues("rejected").Inc()
		e.logger.Warn("environment update rejected", slog.String("error", err.Error()))
		return err
	}

	old := normalized(e.store)
	next := make([]slot, m.NewTotal())

	e.updateArguments(m, old, next)
	e.unregisterRemovedVariables(m, old, next[:m.NewArgumentCount])
	e.updateVariables(m.NewArgumentCount, m.OldArgumentCount, m.NewVariableCount,
		m.VariableEntries, activity.Variables, old, next)
	e.updateVariables(m.NewArgumentCount+m.NewVariableCount, m.OldArgumentCount+m.OldVariableCount, m.NewPrivateVariableCount,
		m.PrivateVariableEntries, activity.ImplementationVariables, old, next)
	copyDelegateArguments(m, old, next)

	e.store = storeFrom(next)
	updatesTotal.WithLabelValues("applied").Inc()

	e.logger.Info("environment updated",
		slog.String("definition", activity.DefinitionID()),
		slog.Int("old_slots", len(old)),
		slog.Int("new_slots", len(next)),
		slog.Bool("pending_registry_work", e.pending != nil),
	)
	return nil
}

// UpdateEnvironment applies m to an environment whose owner has already
// completed but which is still referenced by a secondary root.
func (e *Environment) UpdateEnvironment(m *definition.MigrationMap, activity *definition.Activity) error {
	return e.Update(m, activity)
}

func (e *Environment) rejectUpdate(activity *definition.Activity, reason string, cause error) error {
	defID := activity.DefinitionID()
	if defID == "" {
		defID = e.definition.DefinitionID()
	}
	return &UpdateError{
		EnvironmentID: e.id.String(),
		DefinitionID:  defID,
		Reason:        reason,
		Err:           cause,
	}
}

func (e *Environment) updateArguments(m *definition.MigrationMap, old, next []slot) {
	touched := make([]bool, m.NewArgumentCount)
	for _, entry := range m.ArgumentEntries {
		if entry.IsAddition {
			next[entry.NewOffset] = slot{state: SlotPlaceholder}
		} else {
			next[entry.NewOffset] = old[entry.OldOffset]
		}
		touched[entry.NewOffset] = true
	}
	for i := 0; i < m.NewArgumentCount; i++ {
		if !touched[i] {
			next[i] = old[i]
		}
	}
}

func (e *Environment) updateVariables(newOffset, oldOffset, newCount int, entries []definition.MapEntry, vars []*definition.Variable, old, next []slot) {
	touched := make([]bool, newCount)
	for _, entry := range entries {
		if entry.IsAddition {
			v := vars[entry.NewOffset]
			loc := v.CreateLocation()
			next[newOffset+entry.NewOffset] = bound(loc)
			if loc.CanBeMapped() {
				e.pendingOrNew().addRegistration(newOffset+entry.NewOffset, &v.LocationReference)
			}
		} else {
			next[newOffset+entry.NewOffset] = old[oldOffset+entry.OldOffset]
		}
		touched[entry.NewOffset] = true
	}
	for i := 0; i < newCount; i++ {
		if !touched[i] {
			next[newOffset+i] = old[oldOffset+i]
		}
	}
}

func copyDelegateArguments(m *definition.MigrationMap, old, next []slot) {
	for i := 1; i <= m.DelegateArgumentCount; i++ {
		next[len(next)-i] = old[len(old)-i]
	}
}

// unregisterRemovedVariables queues removed mappable locations and
// recomputes hasMappableLocations from the survivors. newArgs holds the
// already rebuilt argument slots.
func (e *Environment) unregisterRemovedVariables(m *definition.MigrationMap, old, newArgs []slot) {
	remaining := false

	queue := func(loc *location.Location) {
		p := e.pendingOrNew()
		p.unregistrations = append(p.unregistrations, loc)
	}

	scan := func(offset, count int, newIndex func(int) (int, bool)) {
		for i := 0; i < count; i++ {
			s := old[offset+i]
			if s.state != SlotBound || !s.loc.CanBeMapped() {
				continue
			}
			if _, ok := newIndex(i); ok {
				remaining = true
				continue
			}
			queue(s.loc)
		}
	}
	scan(m.OldArgumentCount, m.OldVariableCount, m.NewVariableIndex)
	scan(m.OldArgumentCount+m.OldVariableCount, m.OldPrivateVariableCount, m.NewPrivateVariableIndex)

	for _, s := range old[:m.OldArgumentCount] {
		if s.state != SlotBound || !s.loc.CanBeMapped() {
			continue
		}
		if containsLocation(newArgs, s.loc) {
			remaining = true
		} else {
			queue(s.loc)
		}
	}
	for _, s := range old[len(old)-m.DelegateArgumentCount:] {
		if s.state == SlotBound && s.loc.CanBeMapped() {
			remaining = true
		}
	}

	e.hasMappableLocations = remaining
}

func containsLocation(slots []slot, loc *location.Location) bool {
	for _, s := range slots {
		if s.state == SlotBound && s.loc == loc {
			return true
		}
	}
	return false
}
