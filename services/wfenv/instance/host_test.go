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

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/environment"
	"github.com/AleutianAI/wfenv/services/wfenv/location"
	"github.com/AleutianAI/wfenv/services/wfenv/mappable"
	"github.com/AleutianAI/wfenv/services/wfenv/storage/badger"
)

func orderV1() *definition.Activity {
	a := definition.NewActivity("1", "Order")
	a.AddArgument("customer", "string")
	a.AddVariable("total", "int").Mappable = true
	return a.Bind()
}

func orderV2() *definition.Activity {
	a := definition.NewActivity("1", "Order")
	a.AddArgument("customer", "string")
	a.AddVariable("total", "int").Mappable = true
	a.AddVariable("discount", "int").Mappable = true
	return a.Bind()
}

// begin starts an instance of def and declares every symbol.
func begin(t *testing.T, h *Host, def *definition.Activity, parent *environment.Environment) (*environment.Environment, *Scope) {
	t.Helper()
	scope := NewScope(def)
	env := h.Begin(scope, parent)
	env.Declare(def.Reference(0), location.NewWithValue("string", "acme"), scope)
	total := def.Variables[0].CreateLocation()
	total.SetValue(10)
	env.Declare(&def.Variables[0].LocationReference, total, scope)
	return env, scope
}

func TestHost_BeginComplete(t *testing.T) {
	h := NewHost(nil, nil, nil)
	def := orderV1()

	env, scope := begin(t, h, def, nil)
	assert.Same(t, h, env.Executor())
	assert.Equal(t, def.SymbolCount(), env.Len())
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1, h.Registry().Len())

	got, ok := h.Get(env.ID())
	require.True(t, ok)
	assert.Same(t, env, got)

	gotScope, ok := h.Scope(env.ID())
	require.True(t, ok)
	assert.Same(t, scope, gotScope)

	require.NoError(t, h.Complete(context.Background(), env, scope))
	assert.True(t, env.IsDisposed())
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0, h.Registry().Len())

	_, ok = h.Get(env.ID())
	assert.False(t, ok)
}

func TestHost_SecondaryReferenceOutlivesOwner(t *testing.T) {
	h := NewHost(nil, nil, nil)
	def := orderV1()
	env, scope := begin(t, h, def, nil)

	h.AddReference(env)
	require.NoError(t, h.Complete(context.Background(), env, scope))
	assert.False(t, env.IsDisposed())
	assert.True(t, env.OwnerCompleted())
	assert.Equal(t, 1, h.Len())

	h.Release(context.Background(), env)
	assert.True(t, env.IsDisposed())
	assert.Equal(t, 0, h.Len())
}

func TestHost_ParentOutlivesChildren(t *testing.T) {
	h := NewHost(nil, nil, nil)
	ctx := context.Background()
	rootDef := orderV1()
	root, rootScope := begin(t, h, rootDef, nil)

	lineDef := definition.NewActivity("2", "Line")
	lineDef.AddVariable("qty", "int")
	lineDef.Bind()
	lineScope := NewScope(lineDef)
	line := h.Begin(lineScope, root)
	line.Declare(lineDef.Reference(0), location.NewWithValue("int", 3), lineScope)
	assert.Equal(t, 2, root.ReferenceCount())

	require.NoError(t, h.Complete(ctx, root, rootScope))
	assert.False(t, root.IsDisposed())
	assert.True(t, root.OwnerCompleted())
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 1, h.Registry().Len())

	total, err := line.ResolveInScope(1, rootDef)
	require.NoError(t, err)
	assert.Equal(t, 10, total.Value())

	require.NoError(t, h.Complete(ctx, line, lineScope))
	assert.True(t, line.IsDisposed())
	assert.True(t, root.IsDisposed())
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0, h.Registry().Len())
}

func TestHost_CompleteBeforeResumeUnregistersRemoved(t *testing.T) {
	reg := mappable.NewRegistry(nil)
	h := NewHost(reg, nil, nil)
	v1 := orderV1()
	withoutTotal := definition.NewActivity("1", "Order")
	withoutTotal.AddArgument("customer", "string")
	withoutTotal.Bind()

	env, scope := begin(t, h, v1, nil)
	require.Equal(t, 1, reg.Len())

	m, err := definition.Diff(v1, withoutTotal)
	require.NoError(t, err)
	_, err = h.ApplyUpdate(context.Background(), v1, withoutTotal, m)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len(), "unregistration waits for resume")

	require.NoError(t, h.Complete(context.Background(), env, scope))
	assert.True(t, env.IsDisposed())
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.ListByDefinition("1"))
}

type failingHandle struct{}

func (failingHandle) Kind() string                                  { return "failing" }
func (failingHandle) Initialize(*environment.HandleContext) error   { return nil }
func (failingHandle) Uninitialize(*environment.HandleContext) error { return errors.New("lease lost") }
func (failingHandle) Reinitialize(environment.Scope)                {}

func TestHost_CompleteReportsHandleFailures(t *testing.T) {
	h := NewHost(nil, nil, nil)
	def := definition.NewActivity("2", "Leased")
	def.AddVariable("lease", "handle").IsHandle = true
	def.Bind()

	scope := NewScope(def)
	env := h.Begin(scope, nil)
	_, err := env.InitializeHandle(scope, &def.Variables[0].LocationReference, failingHandle{})
	require.NoError(t, err)

	err = h.Complete(context.Background(), env, scope)
	assert.ErrorIs(t, err, environment.ErrHandleUninitialize)
	assert.ErrorContains(t, err, "lease lost")
	assert.True(t, env.IsDisposed())
	assert.False(t, env.HasHandles())
	assert.Equal(t, 0, h.Len())
}

func TestHost_ApplyUpdate(t *testing.T) {
	reg := mappable.NewRegistry(nil)
	h := NewHost(reg, nil, nil)
	v1, v2 := orderV1(), orderV2()

	envA, scopeA := begin(t, h, v1, nil)
	envB, _ := begin(t, h, v1, envA)
	otherDef := orderV1()
	otherDef.ID = "9"
	other, _ := begin(t, h, otherDef, nil)
	require.Equal(t, 3, reg.Len())

	m, err := definition.Diff(v1, v2)
	require.NoError(t, err)

	res, err := h.ApplyUpdate(context.Background(), v1, v2, m)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{envA.ID(), envB.ID()}, res.Updated)
	assert.ElementsMatch(t, []uuid.UUID{envA.ID(), envB.ID()}, res.Pending)

	assert.Same(t, v2, envA.Definition())
	assert.Same(t, v2, envB.Definition())
	assert.Same(t, v2, scopeA.Activity())
	assert.NotSame(t, v2, other.Definition())
	assert.Equal(t, v2.SymbolCount(), envA.Len())
	assert.Equal(t, []*definition.Activity{v2}, h.Definitions("1"))

	// Registry work waits for the instances to resume.
	assert.Equal(t, 3, reg.Len())

	require.NoError(t, h.Resume(envA.ID()))
	assert.Equal(t, 4, reg.Len())
	assert.False(t, envA.HasPendingUpdate())

	assert.Equal(t, 1, h.ResumeAll())
	assert.Equal(t, 5, reg.Len())
	assert.Equal(t, 0, h.ResumeAll())

	discount := envB.SpecificLocation(2)
	require.NotNil(t, discount)
	entry, ok := reg.Lookup(discount)
	require.True(t, ok)
	assert.Equal(t, "discount", entry.Name)

	assert.ErrorIs(t, h.Resume(uuid.New()), ErrNotFound)
}

func TestHost_ApplyUpdateIsAllOrNothing(t *testing.T) {
	h := NewHost(nil, nil, nil)
	v1, v2 := orderV1(), orderV2()

	good, _ := begin(t, h, v1, nil)

	// An environment sized for a different shape of v1 rejects the map.
	oddScope := NewScope(v1)
	odd := environment.New(h, v1, nil, v1.SymbolCount()+1)
	h.Attach(odd, oddScope)

	m, err := definition.Diff(v1, v2)
	require.NoError(t, err)

	_, err = h.ApplyUpdate(context.Background(), v1, v2, m)
	require.Error(t, err)
	assert.ErrorIs(t, err, environment.ErrUpdateRejected)
	var ue *environment.UpdateError
	assert.True(t, errors.As(err, &ue))

	for _, env := range []*environment.Environment{good, odd} {
		assert.Same(t, v1, env.Definition())
		assert.False(t, env.HasPendingUpdate())
	}
	assert.Equal(t, v1.SymbolCount(), good.Len())
	assert.Same(t, v1, oddScope.Activity())
}

func TestHost_ApplyUpdateWithoutMatches(t *testing.T) {
	h := NewHost(nil, nil, nil)
	v1, v2 := orderV1(), orderV2()
	m, err := definition.Diff(v1, v2)
	require.NoError(t, err)

	_, err = h.ApplyUpdate(context.Background(), v1, v2, m)
	assert.ErrorIs(t, err, ErrNoMatchingEnvironments)
}

func TestHost_Summaries(t *testing.T) {
	h := NewHost(nil, nil, nil)
	def := orderV1()
	root, rootScope := begin(t, h, def, nil)
	child, _ := begin(t, h, def, root)

	sums := h.Summaries()
	require.Len(t, sums, 2)

	byID := map[string]Summary{}
	for _, s := range sums {
		byID[s.ID] = s
	}
	rs := byID[root.ID().String()]
	assert.Equal(t, rootScope.ScopeID(), rs.ScopeID)
	assert.Equal(t, "1", rs.DefinitionID)
	assert.Empty(t, rs.ParentID)
	assert.Equal(t, 2, rs.Slots)
	assert.True(t, rs.HasMappableLocations)
	assert.False(t, rs.PendingUpdate)

	cs := byID[child.ID().String()]
	assert.Equal(t, root.ID().String(), cs.ParentID)

	snap, err := h.Snapshot(child.ID())
	require.NoError(t, err)
	assert.Equal(t, root.ID().String(), snap.ParentID)

	_, err = h.Snapshot(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHost_PersistRestore(t *testing.T) {
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := badger.NewSnapshotStore(db, nil)
	ctx := context.Background()

	def := orderV1()
	src := NewHost(nil, nil, nil)
	root, _ := begin(t, src, def, nil)
	child, _ := begin(t, src, def, root)

	n, err := src.Persist(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst := NewHost(nil, nil, nil)
	reloaded := orderV1()
	n, err = dst.Restore(ctx, store, func(id string) *definition.Activity {
		if id == reloaded.ID {
			return reloaded
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, dst.Len())

	gotRoot, ok := dst.Get(root.ID())
	require.True(t, ok)
	gotChild, ok := dst.Get(child.ID())
	require.True(t, ok)

	assert.Same(t, gotRoot, gotChild.Parent())
	assert.Same(t, reloaded, gotChild.Definition())
	assert.Same(t, dst, gotChild.Executor())
	assert.Equal(t, float64(10), gotChild.SpecificLocation(1).Value())

	// Both mappable totals are registered again.
	assert.Equal(t, 2, dst.Registry().Len())
	entries := dst.Registry().ListByDefinition("1")
	require.Len(t, entries, 2)
	assert.Equal(t, "total", entries[0].Name)

	loc, err := gotChild.ResolveInScope(1, reloaded)
	require.NoError(t, err)
	assert.Same(t, gotChild.SpecificLocation(1), loc)

	t.Run("persist drops completed environments", func(t *testing.T) {
		scope, _ := src.Scope(child.ID())
		require.NoError(t, src.Complete(ctx, child, scope))
		n, err := src.Persist(ctx, store)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("unknown definition", func(t *testing.T) {
		_, err := NewHost(nil, nil, nil).Restore(ctx, store, func(string) *definition.Activity { return nil })
		assert.ErrorIs(t, err, ErrUnknownDefinition)
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := NewHost(nil, nil, nil).Persist(ctx, nil)
		assert.ErrorIs(t, err, ErrNilStore)
		_, err = NewHost(nil, nil, nil).Restore(ctx, nil, nil)
		assert.ErrorIs(t, err, ErrNilStore)
	})
}

func TestHost_RestoreOrphanBecomesRoot(t *testing.T) {
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := badger.NewSnapshotStore(db, nil)
	ctx := context.Background()

	def := orderV1()
	src := NewHost(nil, nil, nil)
	root, _ := begin(t, src, def, nil)
	child, _ := begin(t, src, def, root)

	snap, err := src.Snapshot(child.ID())
	require.NoError(t, err)
	require.NoError(t, store.Replace(ctx, snap))

	dst := NewHost(nil, nil, nil)
	_, err = dst.Restore(ctx, store, func(string) *definition.Activity { return def })
	require.NoError(t, err)

	got, ok := dst.Get(child.ID())
	require.True(t, ok)
	assert.Nil(t, got.Parent())
	assert.Equal(t, uuid.Nil, got.ParentID())
}
