// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package definition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSequence() *Activity {
	a := NewActivity("1", "Sequence")
	a.AddArgument("in", "string")
	a.AddArgument("out", "int")
	a.AddVariable("counter", "int")
	a.AddImplementationVariable("cursor", "int")
	a.AddDelegateArgument("item", "string")
	return a.Bind()
}

func TestActivity_Bind(t *testing.T) {
	a := newSequence()

	require.True(t, a.IsBound())
	assert.Equal(t, 5, a.SymbolCount())

	assert.Equal(t, 0, a.Arguments[0].ID)
	assert.Equal(t, 1, a.Arguments[1].ID)
	assert.Equal(t, 2, a.Variables[0].ID)
	assert.Equal(t, 3, a.ImplementationVariables[0].ID)
	assert.Equal(t, 4, a.DelegateArguments[0].ID)

	for id := 0; id < a.SymbolCount(); id++ {
		ref := a.Reference(id)
		require.NotNil(t, ref, "slot %d", id)
		assert.Same(t, a, ref.Owner())
		assert.Equal(t, id, ref.ID)
	}
	assert.Nil(t, a.Reference(5))
	assert.Nil(t, a.Reference(-1))

	t.Run("adding a symbol unbinds", func(t *testing.T) {
		a.AddVariable("extra", "int")
		assert.False(t, a.IsBound())
	})
}

func TestActivity_Variable(t *testing.T) {
	a := newSequence()

	assert.Nil(t, a.Variable(0))
	assert.Same(t, a.Variables[0], a.Variable(2))
	assert.Same(t, a.ImplementationVariables[0], a.Variable(3))
	assert.Nil(t, a.Variable(4))
}

func TestVariable_CreateLocation(t *testing.T) {
	v := &Variable{LocationReference: LocationReference{Name: "x", TypeName: "int"}}

	loc := v.CreateLocation()
	assert.False(t, loc.CanBeMapped())
	assert.False(t, loc.HasValue())

	v.Mappable = true
	v.Default = 7
	loc = v.CreateLocation()
	assert.True(t, loc.CanBeMapped())
	assert.Equal(t, 7, loc.Value())
}

func TestMigrationMap_NewVariableIndex(t *testing.T) {
	m := &MigrationMap{
		OldVariableCount: 3,
		NewVariableCount: 3,
		VariableEntries: []MapEntry{
			{OldOffset: 2, NewOffset: 0},
			{NewOffset: 2, IsAddition: true},
		},
	}

	tests := []struct {
		old  int
		want int
		ok   bool
	}{
		{old: 2, want: 0, ok: true},
		{old: 1, want: 1, ok: true},
		{old: 0, ok: false},
	}
	for _, tt := range tests {
		got, ok := m.NewVariableIndex(tt.old)
		assert.Equal(t, tt.ok, ok, "old offset %d", tt.old)
		if tt.ok {
			assert.Equal(t, tt.want, got, "old offset %d", tt.old)
		}
	}

	t.Run("removed when new count shrinks", func(t *testing.T) {
		m := &MigrationMap{OldPrivateVariableCount: 1}
		_, ok := m.NewPrivateVariableIndex(0)
		assert.False(t, ok)
	})
}

func TestMigrationMap_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       MigrationMap
		wantErr bool
	}{
		{
			name: "identity",
			m:    *IdentityMap(newSequence()),
		},
		{
			name: "addition past old count",
			m: MigrationMap{
				OldArgumentCount: 1, NewArgumentCount: 2,
				ArgumentEntries: []MapEntry{{NewOffset: 1, IsAddition: true}},
			},
		},
		{
			name:    "new slot without source",
			m:       MigrationMap{OldArgumentCount: 1, NewArgumentCount: 2},
			wantErr: true,
		},
		{
			name: "new offset out of range",
			m: MigrationMap{
				OldArgumentCount: 1, NewArgumentCount: 1,
				ArgumentEntries: []MapEntry{{OldOffset: 0, NewOffset: 1}},
			},
			wantErr: true,
		},
		{
			name: "old offset out of range",
			m: MigrationMap{
				OldVariableCount: 1, NewVariableCount: 1,
				VariableEntries: []MapEntry{{OldOffset: 3, NewOffset: 0}},
			},
			wantErr: true,
		},
		{
			name: "duplicate new offset",
			m: MigrationMap{
				OldVariableCount: 2, NewVariableCount: 2,
				VariableEntries: []MapEntry{
					{OldOffset: 0, NewOffset: 1},
					{OldOffset: 1, NewOffset: 1},
				},
			},
			wantErr: true,
		},
		{
			name: "added handle",
			m: MigrationMap{
				NewPrivateVariableCount: 1,
				PrivateVariableEntries:  []MapEntry{{NewOffset: 0, IsAddition: true, IsNewHandle: true}},
			},
			wantErr: true,
		},
		{
			name:    "negative count",
			m:       MigrationMap{OldArgumentCount: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidMap))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDiff(t *testing.T) {
	oldDef := NewActivity("1", "Flow")
	oldDef.AddArgument("a", "int")
	oldDef.AddArgument("b", "int")
	oldDef.AddVariable("v", "int")
	oldDef.Bind()

	t.Run("remove first argument and add variable", func(t *testing.T) {
		newDef := NewActivity("1", "Flow")
		newDef.AddArgument("b", "int")
		newDef.AddVariable("v", "int")
		newDef.AddVariable("w", "int")
		newDef.Bind()

		m, err := Diff(oldDef, newDef)
		require.NoError(t, err)

		assert.Equal(t, 2, m.OldArgumentCount)
		assert.Equal(t, 1, m.NewArgumentCount)
		assert.Equal(t, []MapEntry{{OldOffset: 1, NewOffset: 0}}, m.ArgumentEntries)
		assert.Equal(t, []MapEntry{{NewOffset: 1, IsAddition: true}}, m.VariableEntries)
		assert.Equal(t, 3, m.OldTotal())
		assert.Equal(t, 3, m.NewTotal())
	})

	t.Run("same definition has no entries", func(t *testing.T) {
		m, err := Diff(oldDef, oldDef)
		require.NoError(t, err)
		assert.False(t, m.HasEntries())
	})

	t.Run("delegate count change rejected", func(t *testing.T) {
		newDef := NewActivity("1", "Flow")
		newDef.AddDelegateArgument("d", "int")
		newDef.Bind()

		_, err := Diff(oldDef, newDef)
		assert.ErrorIs(t, err, ErrInvalidMap)
	})

	t.Run("duplicate names rejected", func(t *testing.T) {
		newDef := NewActivity("1", "Flow")
		newDef.AddVariable("v", "int")
		newDef.AddVariable("v", "int")
		newDef.Bind()

		_, err := Diff(oldDef, newDef)
		assert.ErrorIs(t, err, ErrInvalidMap)
	})

	t.Run("nil input", func(t *testing.T) {
		_, err := Diff(nil, oldDef)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}
