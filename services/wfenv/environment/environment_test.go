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
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

// =============================================================================
// Test doubles
// =============================================================================

type fakeRegistrar struct {
	registered   map[*location.Location]string
	unregistered []*location.Location
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: make(map[*location.Location]string)}
}

func (r *fakeRegistrar) Register(loc *location.Location, owner *definition.Activity, ref *definition.LocationReference, scopeID string) {
	r.registered[loc] = ref.Name
}

func (r *fakeRegistrar) Unregister(loc *location.Location) bool {
	r.unregistered = append(r.unregistered, loc)
	if _, ok := r.registered[loc]; !ok {
		return false
	}
	delete(r.registered, loc)
	return true
}

type fakeExecutor struct {
	reg *fakeRegistrar
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{reg: newFakeRegistrar()}
}

func (f *fakeExecutor) Registrar() Registrar {
	return f.reg
}

func (f *fakeExecutor) Logger() *slog.Logger {
	return nil
}

type fakeScope struct {
	id  string
	act *definition.Activity
}

func (s *fakeScope) ScopeID() string                 { return s.id }
func (s *fakeScope) Activity() *definition.Activity { return s.act }

// requireInvariantPanic asserts that fn panics with an *InvariantError.
func requireInvariantPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		assert.ErrorIs(t, err, ErrInvariant)
		var ie *InvariantError
		assert.True(t, errors.As(err, &ie))
	}()
	fn()
}

// sequenceV1 has two arguments, one mappable public variable and one
// private variable.
func sequenceV1() *definition.Activity {
	a := definition.NewActivity("1", "Sequence")
	a.AddArgument("in", "string")
	a.AddArgument("out", "int")
	a.AddVariable("total", "int").Mappable = true
	a.AddImplementationVariable("cursor", "int")
	return a.Bind()
}

// =============================================================================
// Construction and declaration
// =============================================================================

func TestNew_Representation(t *testing.T) {
	tests := []struct {
		capacity int
		single   bool
	}{
		{capacity: 0, single: false},
		{capacity: 1, single: true},
		{capacity: 2, single: false},
		{capacity: 7, single: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("capacity %d", tt.capacity), func(t *testing.T) {
			e := New(nil, nil, nil, tt.capacity)
			assert.Equal(t, tt.single, e.IsSingle())
			assert.Equal(t, tt.capacity, e.Len())
			for i := 0; i < tt.capacity; i++ {
				state, ok := e.SlotState(i)
				require.True(t, ok)
				assert.Equal(t, SlotEmpty, state)
			}
			_, ok := e.SlotState(tt.capacity)
			assert.False(t, ok)
		})
	}

	t.Run("negative capacity panics", func(t *testing.T) {
		requireInvariantPanic(t, func() { New(nil, nil, nil, -1) })
	})
}

func TestDeclare_ResolveReturnsSameLocation(t *testing.T) {
	a := sequenceV1()
	exec := newFakeExecutor()
	scope := &fakeScope{id: "scope-1", act: a}
	e := New(exec, a, nil, a.SymbolCount())

	locs := make([]*location.Location, a.SymbolCount())
	for id := 0; id < a.SymbolCount(); id++ {
		ref := a.Reference(id)
		if v := a.Variable(id); v != nil {
			locs[id] = v.CreateLocation()
		} else {
			locs[id] = location.New(ref.TypeName)
		}
		e.Declare(ref, locs[id], scope)
	}

	for id, want := range locs {
		got, err := e.ResolveLocal(id)
		require.NoError(t, err)
		assert.Same(t, want, got, "slot %d", id)
		assert.Same(t, want, e.SpecificLocation(id))

		viaRef, err := e.Resolve(a.Reference(id))
		require.NoError(t, err)
		assert.Same(t, want, viaRef)
	}

	assert.True(t, e.HasMappableLocations())
	assert.Equal(t, "total", exec.reg.registered[locs[2]])
	assert.Len(t, exec.reg.registered, 1, "only mappable locations register")
}

func TestDeclare_Preconditions(t *testing.T) {
	a := sequenceV1()
	e := New(newFakeExecutor(), a, nil, a.SymbolCount())

	e.Declare(a.Reference(0), location.New("string"), nil)

	t.Run("bound slot", func(t *testing.T) {
		requireInvariantPanic(t, func() { e.Declare(a.Reference(0), location.New("string"), nil) })
	})
	t.Run("out of range", func(t *testing.T) {
		ref := &definition.LocationReference{ID: 9, Name: "ghost"}
		requireInvariantPanic(t, func() { e.Declare(ref, location.New("int"), nil) })
	})
	t.Run("nil location", func(t *testing.T) {
		requireInvariantPanic(t, func() { e.Declare(a.Reference(1), nil, nil) })
	})
}

func TestResolveLocal_UnboundAndOutOfRange(t *testing.T) {
	e := New(nil, nil, nil, 2)

	loc, err := e.ResolveLocal(0)
	require.NoError(t, err)
	assert.Nil(t, loc)

	loc, err = e.ResolveLocal(5)
	require.NoError(t, err)
	assert.Nil(t, loc)

	assert.Nil(t, e.SpecificLocation(1))
	requireInvariantPanic(t, func() { e.SpecificLocation(2) })
}

func TestDeclare_WithoutExecutorDefersRegistration(t *testing.T) {
	a := sequenceV1()
	e := New(nil, a, nil, a.SymbolCount())
	loc := a.Variables[0].CreateLocation()

	e.Declare(&a.Variables[0].LocationReference, loc, nil)

	pending, ok := e.PendingUpdate()
	require.True(t, ok)
	assert.Equal(t, []int{2}, pending.Registrations)

	exec := newFakeExecutor()
	e.OnDeserialized(exec, &fakeScope{id: "s", act: a})
	assert.Contains(t, exec.reg.registered, loc)
	assert.False(t, e.HasPendingUpdate())
}

// =============================================================================
// Parent chain
// =============================================================================

func TestResolveInScope_MatchesParentWalk(t *testing.T) {
	root := definition.NewActivity("1", "Root")
	root.AddVariable("a", "int")
	root.AddVariable("b", "int")
	root.Bind()

	mid := definition.NewActivity("1.1", "Middle")
	mid.AddVariable("c", "int")
	mid.Bind()

	leaf := definition.NewActivity("1.1.1", "Leaf")
	leaf.AddArgument("d", "int")
	leaf.AddVariable("e", "int")
	leaf.Bind()

	rootEnv := New(nil, root, nil, 2)
	midEnv := New(nil, mid, rootEnv, 1)
	leafEnv := New(nil, leaf, midEnv, 2)

	for _, env := range []*Environment{rootEnv, midEnv, leafEnv} {
		def := env.Definition()
		for id := 0; id < def.SymbolCount(); id++ {
			env.Declare(def.Reference(id), location.NewWithValue("int", def.ID), nil)
		}
	}

	walk := func(start *Environment, id int, owner *definition.Activity) *location.Location {
		for e := start; e != nil; e = e.Parent() {
			if e.Definition() == owner {
				return e.SpecificLocation(id)
			}
		}
		return nil
	}

	for _, owner := range []*definition.Activity{root, mid, leaf} {
		for id := 0; id < owner.SymbolCount(); id++ {
			got, err := leafEnv.ResolveInScope(id, owner)
			require.NoError(t, err)
			assert.Same(t, walk(leafEnv, id, owner), got, "%s slot %d", owner, id)
			assert.Equal(t, owner.ID, got.Value())
		}
	}

	t.Run("miss returns nil", func(t *testing.T) {
		other := definition.NewActivity("9", "Other").Bind()
		got, err := leafEnv.ResolveInScope(0, other)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("inner scope not visible from outer", func(t *testing.T) {
		got, err := rootEnv.ResolveInScope(0, leaf)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestResolveInScope_DisposedAncestor(t *testing.T) {
	outer := definition.NewActivity("1", "Outer")
	outer.AddVariable("a", "int")
	outer.Bind()

	inner := definition.NewActivity("1.1", "Inner")
	inner.AddVariable("b", "int")
	inner.Bind()

	parent := New(newFakeExecutor(), outer, nil, 1)
	child := New(newFakeExecutor(), inner, parent, 1)
	parent.Declare(outer.Reference(0), location.NewWithValue("int", 1), nil)
	child.Declare(inner.Reference(0), location.NewWithValue("int", 2), nil)

	got, err := child.ResolveInScope(0, outer)
	require.NoError(t, err)
	require.NotNil(t, got)

	parent.RemoveReference(true)
	parent.Dispose()

	got, err = child.ResolveInScope(0, outer)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Nil(t, got)

	_, err = child.Resolve(outer.Reference(0))
	assert.ErrorIs(t, err, ErrDisposed)

	got, err = child.ResolveInScope(0, inner)
	require.NoError(t, err, "own slots stay readable")
	assert.Equal(t, 2, got.Value())
}

func TestSetParent_TracksParentID(t *testing.T) {
	parent := New(nil, nil, nil, 0)
	child := New(nil, nil, nil, 0)

	assert.Equal(t, parent.ID(), New(nil, nil, parent, 0).ParentID())

	child.SetParent(parent)
	assert.Same(t, parent, child.Parent())
	assert.Equal(t, parent.ID(), child.ParentID())

	child.SetParent(nil)
	assert.Nil(t, child.Parent())
	assert.Equal(t, uuid.Nil, child.ParentID())
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestReferenceCounting(t *testing.T) {
	e := New(nil, nil, nil, 0)

	assert.Equal(t, 1, e.ReferenceCount())
	assert.False(t, e.ShouldDispose())

	e.AddReference()
	assert.Equal(t, 2, e.ReferenceCount())

	e.RemoveReference(true)
	assert.True(t, e.OwnerCompleted())
	assert.False(t, e.ShouldDispose())

	e.RemoveReference(false)
	assert.True(t, e.ShouldDispose())
	assert.Equal(t, 0, e.ReferenceCount())

	requireInvariantPanic(t, func() { e.RemoveReference(false) })
}

func TestDispose(t *testing.T) {
	a := sequenceV1()
	exec := newFakeExecutor()
	e := New(exec, a, nil, a.SymbolCount())
	mapped := a.Variables[0].CreateLocation()
	e.Declare(&a.Variables[0].LocationReference, mapped, nil)
	e.Declare(a.Reference(0), location.New("string"), nil)

	t.Run("requires released references", func(t *testing.T) {
		requireInvariantPanic(t, e.Dispose)
		assert.False(t, e.IsDisposed())
	})

	e.RemoveReference(true)
	e.Dispose()

	assert.True(t, e.IsDisposed())
	assert.NotContains(t, exec.reg.registered, mapped)
	assert.Equal(t, []*location.Location{mapped}, exec.reg.unregistered)

	t.Run("reads fail after dispose", func(t *testing.T) {
		_, err := e.ResolveLocal(0)
		assert.ErrorIs(t, err, ErrDisposed)

		_, err = e.ResolveInScope(0, a)
		assert.ErrorIs(t, err, ErrDisposed)

		_, err = e.Snapshot()
		assert.ErrorIs(t, err, ErrDisposed)
	})

	t.Run("second dispose panics", func(t *testing.T) {
		requireInvariantPanic(t, e.Dispose)
	})
}

func TestDispose_SingleSlotUnregisters(t *testing.T) {
	a := definition.NewActivity("1", "Single")
	a.AddVariable("only", "int").Mappable = true
	a.Bind()

	exec := newFakeExecutor()
	e := New(exec, a, nil, 1)
	require.True(t, e.IsSingle())
	loc := a.Variables[0].CreateLocation()
	e.Declare(&a.Variables[0].LocationReference, loc, nil)

	e.RemoveReference(true)
	e.Dispose()
	assert.Equal(t, []*location.Location{loc}, exec.reg.unregistered)
}

// =============================================================================
// Temporary resolution
// =============================================================================

func TestCollapseAll(t *testing.T) {
	a := definition.NewActivity("1", "Invoke")
	a.AddArgument("resolved", "int")
	a.AddArgument("empty", "int")
	a.AddArgument("plain", "int")
	a.Bind()

	e := New(nil, a, nil, 3)
	resolved := e.DeclareTemporaryLocation(a.Reference(0), nil, "int", true)
	e.DeclareTemporaryLocation(a.Reference(1), nil, "int", false)
	plain := location.NewWithValue("int", 1)
	e.Declare(a.Reference(2), plain, nil)

	inner := location.NewWithValue("int", 42)
	resolved.SetValue(inner)

	e.CollapseAll()

	got := e.SpecificLocation(0)
	assert.False(t, got.IsTemporary())
	assert.True(t, got.IsReference())
	assert.Same(t, inner, got.Target())
	assert.True(t, got.BuffersGets())
	assert.Equal(t, 42, got.Value())

	def := e.SpecificLocation(1)
	assert.False(t, def.IsTemporary())
	assert.False(t, def.IsReference())
	assert.False(t, def.HasValue())
	assert.Equal(t, "int", def.TypeName())

	assert.Same(t, plain, e.SpecificLocation(2))

	t.Run("idempotent", func(t *testing.T) {
		before := e.Locations()
		e.CollapseAll()
		after := e.Locations()
		for i := range before {
			assert.Same(t, before[i], after[i])
		}
	})
}

func TestCollapseOne(t *testing.T) {
	a := definition.NewActivity("1", "Invoke")
	a.AddArgument("x", "int")
	a.Bind()

	e := New(nil, a, nil, 1)
	placeholder := e.DeclareTemporaryLocation(a.Reference(0), nil, "int", false)

	e.CollapseOne(placeholder)
	assert.False(t, e.SpecificLocation(0).IsTemporary())

	t.Run("absent location is a no-op", func(t *testing.T) {
		stray := location.New("int")
		stray.SetTemporaryResolution(e, false)
		before := e.SpecificLocation(0)
		e.CollapseOne(stray)
		assert.Same(t, before, e.SpecificLocation(0))
	})

	t.Run("foreign placeholder panics", func(t *testing.T) {
		other := New(nil, nil, nil, 0)
		foreign := location.New("int")
		foreign.SetTemporaryResolution(other, false)
		requireInvariantPanic(t, func() { e.CollapseOne(foreign) })
	})
}

func TestCollapseAll_IgnoresForeignPlaceholders(t *testing.T) {
	a := definition.NewActivity("1", "Invoke")
	a.AddArgument("x", "int")
	a.AddArgument("y", "int")
	a.Bind()

	e := New(nil, a, nil, 2)
	other := New(nil, nil, nil, 0)
	foreign := location.New("int")
	foreign.SetTemporaryResolution(other, false)
	e.Declare(a.Reference(0), foreign, nil)

	e.CollapseAll()
	assert.Same(t, foreign, e.SpecificLocation(0))
}
