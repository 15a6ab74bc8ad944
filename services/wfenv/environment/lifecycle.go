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
	"log/slog"
)

// AddReference records one more holder of the environment.
//
// The owning instance never calls this; its reference is implicit at
// creation.
func (e *Environment) AddReference() {
	e.refCountMinusOne++
}

// RemoveReference releases one holder.
//
// Description:
//
//	When isOwner is true the owning instance has completed. Releasing more
//	references than were held is a caller bug and panics.
//
// Inputs:
//
//	isOwner - True when the caller is the owning instance.
func (e *Environment) RemoveReference(isOwner bool) {
	if isOwner {
		e.ownerCompleted = true
	}
	invariant(e.refCountMinusOne >= 0, "remove_reference",
		"reference count already released (count minus one is %d)", e.refCountMinusOne)
	e.refCountMinusOne--
}

// ShouldDispose reports whether every holder, owner included, has released.
func (e *Environment) ShouldDispose() bool {
	return e.refCountMinusOne == -1
}

// OwnerCompleted reports whether the owning instance has released.
func (e *Environment) OwnerCompleted() bool {
	return e.ownerCompleted
}

// ReferenceCount returns the number of outstanding holders.
func (e *Environment) ReferenceCount() int {
	return e.refCountMinusOne + 1
}

// Dispose unregisters the environment's mappable locations and marks it
// disposed.
//
// Description:
//
//	Preconditions: ShouldDispose is true, handles were uninitialized, and
//	Dispose has not run before. Violations panic. Mappable locations are
//	unregistered from whichever representation is active, along with any
//	removed by an update that never resumed. After Dispose, ResolveLocal
//	and ResolveInScope return ErrDisposed.
func (e *Environment) Dispose() {
	invariant(e.ShouldDispose(), "dispose", "environment still has %d references", e.ReferenceCount())
	invariant(!e.hasHandles, "dispose", "handles have not been uninitialized")
	invariant(!e.disposed, "dispose", "environment already disposed")

	e.disposed = true
	e.cleanupMappedLocations()
	e.drainPendingUnregistrations()
	disposalsTotal.Inc()

	e.logger.Debug("environment disposed",
		slog.String("definition", e.definition.DefinitionID()),
		slog.Bool("owner_completed", e.ownerCompleted),
	)
}

func (e *Environment) cleanupMappedLocations() {
	if !e.hasMappableLocations {
		return
	}
	forEachSlot(e.store, func(_ int, s *slot) {
		if s.state == SlotBound && s.loc.CanBeMapped() {
			e.unregisterLocation(s.loc)
		}
	})
}

// drainPendingUnregistrations unregisters locations an update removed while
// the owner was suspended. Pending registrations are dropped; they were never
// registered.
func (e *Environment) drainPendingUnregistrations() {
	p := e.pending
	e.pending = nil
	if p == nil || len(p.unregistrations) == 0 {
		return
	}
	if e.registrar() == nil {
		e.logger.Warn("dropping deferred unregistrations without an executor",
			slog.Int("unregistrations", len(p.unregistrations)),
		)
		return
	}
	for _, loc := range p.unregistrations {
		e.unregisterLocation(loc)
	}
}
