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

	"github.com/google/uuid"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

// =============================================================================
// Collaborators
// =============================================================================

// Registrar receives mappable location registrations.
//
// *mappable.Registry implements Registrar.
type Registrar interface {
	Register(loc *location.Location, owner *definition.Activity, ref *definition.LocationReference, scopeID string)
	Unregister(loc *location.Location) bool
}

// Executor is the execution-engine context an environment reports to.
type Executor interface {
	// Registrar returns the process-wide mappable registry.
	Registrar() Registrar

	// Logger returns the engine logger. May return nil.
	Logger() *slog.Logger
}

// Scope is the activity instance that owns an environment.
type Scope interface {
	// ScopeID identifies the instance.
	ScopeID() string

	// Activity returns the definition the instance is executing.
	Activity() *definition.Activity
}

func scopeID(s Scope) string {
	if s == nil {
		return ""
	}
	return s.ScopeID()
}

// =============================================================================
// Environment
// =============================================================================

// Environment stores the Locations of one scope.
//
// Thread Safety: Not safe for concurrent use. See the package docs.
type Environment struct {
	id       uuid.UUID
	executor Executor
	logger   *slog.Logger

	definition *definition.Activity
	parent     *Environment

	// parentID is the persisted parent link until the host relinks parent.
	parentID uuid.UUID

	store slotStore

	hasMappableLocations bool

	// refCountMinusOne is zero while only the owner holds the scope.
	refCountMinusOne int
	ownerCompleted   bool

	hasHandles bool
	handles    []Handle

	disposed bool

	// pending is non-nil only between Update and RegisterUpdatedLocations.
	pending *pendingUpdate

	// restored marks an environment built by Restore whose mappable
	// locations have not been re-registered yet.
	restored bool
}

// New creates an environment for definition with room for capacity slots.
//
// Description:
//
//	A capacity of 1 uses the single-slot form; any other capacity uses the
//	array form. Capacity 0 is used for a root scope without symbols.
//
// Inputs:
//
//	executor - Engine context providing the mappable registry. May be nil
//	  until OnDeserialized attaches one; mappable registrations are then
//	  deferred.
//	def - The declaring activity. May be nil until Load.
//	parent - The enclosing environment, or nil for a root.
//	capacity - Slot count. Must not be negative.
//
// Outputs:
//
//	*Environment - The environment. Never nil.
func New(executor Executor, def *definition.Activity, parent *Environment, capacity int) *Environment {
	invariant(capacity >= 0, "new", "negative capacity %d", capacity)

	e := &Environment{
		id:         uuid.New(),
		executor:   executor,
		definition: def,
		parent:     parent,
		store:      newStore(capacity),
	}
	e.logger = e.resolveLogger()
	return e
}

// NewWithoutSymbols creates an environment for a scope that had no symbols
// before a dynamic update gave it some. The executor and definition are
// attached later by OnDeserialized and Load.
func NewWithoutSymbols(parent *Environment, capacity int) *Environment {
	return New(nil, nil, parent, capacity)
}

func (e *Environment) resolveLogger() *slog.Logger {
	var base *slog.Logger
	if e.executor != nil {
		base = e.executor.Logger()
	}
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("environment_id", e.id.String()))
}

// ID returns the environment's unique id.
func (e *Environment) ID() uuid.UUID {
	return e.id
}

// Definition returns the declaring activity, or nil if not yet linked.
func (e *Environment) Definition() *definition.Activity {
	return e.definition
}

// Load relinks the environment to def after the instance tree was updated
// or reloaded.
func (e *Environment) Load(def *definition.Activity) {
	e.definition = def
}

// Parent returns the enclosing environment.
func (e *Environment) Parent() *Environment {
	return e.parent
}

// SetParent re-parents the environment.
func (e *Environment) SetParent(parent *Environment) {
	e.parent = parent
	if parent != nil {
		e.parentID = parent.id
	} else {
		e.parentID = uuid.Nil
	}
}

// ParentID returns the id of the parent, including a persisted link that has
// not been relinked yet. Returns uuid.Nil for a root.
func (e *Environment) ParentID() uuid.UUID {
	if e.parent != nil {
		return e.parent.id
	}
	return e.parentID
}

// Executor returns the attached engine context, or nil.
func (e *Environment) Executor() Executor {
	return e.executor
}

// Len returns the number of slots.
func (e *Environment) Len() int {
	return e.store.size()
}

// IsSingle reports whether the single-slot form is in use.
func (e *Environment) IsSingle() bool {
	_, ok := e.store.(*singleStore)
	return ok
}

// HasMappableLocations reports whether any declared location is mappable.
func (e *Environment) HasMappableLocations() bool {
	return e.hasMappableLocations
}

// IsDisposed reports whether Dispose has run.
func (e *Environment) IsDisposed() bool {
	return e.disposed
}

// SlotState returns the state of slot id. ok is false when id is out of range.
func (e *Environment) SlotState(id int) (state SlotState, ok bool) {
	s, ok := e.store.at(id)
	if !ok {
		return SlotEmpty, false
	}
	return s.state, true
}

// Locations returns the bound Location of every slot in order, with nil for
// slots that are not bound.
func (e *Environment) Locations() []*location.Location {
	out := make([]*location.Location, e.store.size())
	forEachSlot(e.store, func(i int, s *slot) {
		if s.state == SlotBound {
			out[i] = s.loc
		}
	})
	return out
}

// String returns a short description for logs.
func (e *Environment) String() string {
	return fmt.Sprintf("environment %s (%s, %d slots)", e.id, e.definition, e.store.size())
}

// =============================================================================
// Declaration
// =============================================================================

// Declare binds loc into the slot addressed by ref.
//
// Description:
//
//	The slot must be Empty or a Placeholder left by a dynamic update.
//	A mappable loc is registered with the executor's registry under this
//	environment's definition; without an executor the registration is
//	deferred to RegisterUpdatedLocations.
//
// Inputs:
//
//	ref - The reference being declared. ref.ID must address a slot.
//	loc - The location. Must not be nil.
//	scope - The owning instance, recorded with the registration.
//
// Panics with *InvariantError when the preconditions do not hold.
func (e *Environment) Declare(ref *definition.LocationReference, loc *location.Location, scope Scope) {
	invariant(ref != nil, "declare", "nil reference")
	invariant(loc != nil, "declare", "nil location for %s", ref)

	s, ok := e.store.at(ref.ID)
	invariant(ok, "declare", "slot %d out of range for %d slots", ref.ID, e.store.size())
	invariant(s.state != SlotBound, "declare", "slot %d is already bound", ref.ID)

	e.registerLocation(loc, ref, scope)
	*s = bound(loc)
}

// DeclareHandle declares a location holding a handle and marks the
// environment as having handles to uninitialize.
func (e *Environment) DeclareHandle(ref *definition.LocationReference, loc *location.Location, scope Scope) {
	e.hasHandles = true
	e.Declare(ref, loc, scope)
}

// DeclareTemporaryLocation declares a placeholder used while the argument
// behind ref is resolved asynchronously. The returned Location receives the
// resolved inner Location as its value and is later collapsed.
func (e *Environment) DeclareTemporaryLocation(ref *definition.LocationReference, scope Scope, typeName string, bufferGetsOnCollapse bool) *location.Location {
	loc := location.New(typeName)
	loc.SetTemporaryResolution(e, bufferGetsOnCollapse)
	e.Declare(ref, loc, scope)
	return loc
}

// =============================================================================
// Resolution
// =============================================================================

// ResolveLocal returns the Location bound at slot id of this environment.
//
// Description:
//
//	Returns nil without error when id is out of range or the slot is not
//	bound. Returns ErrDisposed after Dispose.
//
// Outputs:
//
//	*location.Location - The bound location, or nil.
//	error - ErrDisposed after disposal, otherwise nil.
func (e *Environment) ResolveLocal(id int) (*location.Location, error) {
	if e.disposed {
		return nil, fmt.Errorf("%w: resolve slot %d of %s", ErrDisposed, id, e.id)
	}
	return e.boundAt(id), nil
}

// ResolveInScope resolves slot id in the nearest environment, starting at e
// and walking parents, whose definition is owner.
//
// Description:
//
//	Returns nil without error when no environment in the chain is owned by
//	owner. Callers relinking a reloaded tree legitimately probe scopes that
//	are not linked yet, so a miss is not an error. Returns ErrDisposed when
//	e itself has been disposed.
//
// Inputs:
//
//	id - Slot id within the owning scope.
//	owner - The declaring activity of the reference being resolved.
//
// Outputs:
//
//	*location.Location - The bound location, or nil.
//	error - ErrDisposed when e or the owning ancestor is disposed,
//	otherwise nil.
func (e *Environment) ResolveInScope(id int, owner *definition.Activity) (*location.Location, error) {
	if e.disposed {
		return nil, fmt.Errorf("%w: resolve slot %d of %s", ErrDisposed, id, e.id)
	}

	target := e
	for target != nil && target.definition != owner {
		target = target.parent
	}
	if target == nil {
		return nil, nil
	}
	if target.disposed {
		return nil, fmt.Errorf("%w: resolve slot %d of ancestor %s", ErrDisposed, id, target.id)
	}
	return target.boundAt(id), nil
}

// Resolve resolves ref against its declaring scope.
func (e *Environment) Resolve(ref *definition.LocationReference) (*location.Location, error) {
	return e.ResolveInScope(ref.ID, ref.Owner())
}

// SpecificLocation returns the Location bound at slot id, or nil when the
// slot is not bound. Panics when id is out of range.
func (e *Environment) SpecificLocation(id int) *location.Location {
	s, ok := e.store.at(id)
	invariant(ok, "specific_location", "slot %d out of range for %d slots", id, e.store.size())
	if s.state != SlotBound {
		return nil
	}
	return s.loc
}

func (e *Environment) boundAt(id int) *location.Location {
	s, ok := e.store.at(id)
	if !ok || s.state != SlotBound {
		return nil
	}
	return s.loc
}

// =============================================================================
// Mappable registration
// =============================================================================

func (e *Environment) registrar() Registrar {
	if e.executor == nil {
		return nil
	}
	return e.executor.Registrar()
}

func (e *Environment) registerLocation(loc *location.Location, ref *definition.LocationReference, scope Scope) {
	if !loc.CanBeMapped() {
		return
	}
	e.hasMappableLocations = true

	reg := e.registrar()
	if reg == nil {
		e.pendingOrNew().addRegistration(ref.ID, ref)
		return
	}
	reg.Register(loc, e.definition, ref, scopeID(scope))
}

func (e *Environment) unregisterLocation(loc *location.Location) {
	reg := e.registrar()
	if reg == nil {
		e.logger.Warn("cannot unregister mappable location without an executor")
		return
	}
	reg.Unregister(loc)
}

// referenceFor returns the reference declared at slot id, synthesizing one
// when the definition is not linked.
func (e *Environment) referenceFor(id int, loc *location.Location) *definition.LocationReference {
	if e.definition != nil {
		if ref := e.definition.Reference(id); ref != nil {
			return ref
		}
	}
	return &definition.LocationReference{ID: id, TypeName: loc.TypeName()}
}
