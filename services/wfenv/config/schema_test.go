// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
)

const orderSchema = `
activities:
  - id: "1"
    name: Order
    arguments:
      - {name: customer, type: string, direction: in}
    variables:
      - {name: total, type: int, mappable: true, default: 0}
      - {name: corr, type: correlation, handle: true}
    private_variables:
      - {name: cursor, type: int}
  - id: "1.1"
    delegate_arguments:
      - {name: item, type: Item}
migrations:
  - activity: "1"
    map:
      old_argument_count: 1
      new_argument_count: 1
      old_variable_count: 1
      new_variable_count: 2
      old_private_variable_count: 1
      new_private_variable_count: 1
      variable_entries:
        - {new_offset: 1, addition: true}
`

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema([]byte(orderSchema), "order.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "1.1"}, s.IDs())

	order := s.Activity("1")
	require.NotNil(t, order)
	assert.True(t, order.IsBound())
	assert.Equal(t, "Order", order.DisplayName)
	assert.Equal(t, 4, order.SymbolCount())
	assert.Equal(t, "in", order.Arguments[0].Direction)
	assert.True(t, order.Variables[0].Mappable)
	assert.Equal(t, 0, order.Variables[0].Default)
	assert.True(t, order.Variables[1].IsHandle)
	assert.Equal(t, 3, order.ImplementationVariables[0].ID)
	assert.Equal(t, "order.yaml", s.Sources["1"])

	delegate := s.Activity("1.1")
	require.NotNil(t, delegate)
	assert.Equal(t, "1.1", delegate.DisplayName, "name defaults to id")
	assert.Len(t, delegate.DelegateArguments, 1)

	m := s.Migration("1")
	require.NotNil(t, m)
	assert.Equal(t, 3, m.OldTotal())
	assert.Equal(t, 4, m.NewTotal())
	assert.Nil(t, s.Migration("1.1"))
}

func TestParseSchema_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "activities:\n  - name: x\n"},
		{"missing symbol type", "activities:\n  - id: a\n    variables:\n      - {name: v}\n"},
		{"bad direction", "activities:\n  - id: a\n    arguments:\n      - {name: v, type: int, direction: sideways}\n"},
		{"duplicate symbol", "activities:\n  - id: a\n    variables:\n      - {name: v, type: int}\n      - {name: v, type: int}\n"},
		{"duplicate activity", "activities:\n  - id: a\n  - id: a\n"},
		{"invalid map", "migrations:\n  - activity: a\n    map:\n      new_variable_count: 1\n"},
		{"migration without activity", "migrations:\n  - map: {}\n"},
		{"not yaml", "activities: ["},
		{"unsafe activity id", "activities:\n  - id: ../order\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchema([]byte(tt.doc), "bad.yaml")
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestLoadSchemaDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "activities:\n  - id: a\n")
	writeFile(t, dir, "b.yml", "activities:\n  - id: b\n")
	writeFile(t, dir, "notes.txt", "not a schema")
	writeFile(t, dir, ".hidden.yaml", "activities: [")

	s, err := LoadSchemaDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.IDs())

	t.Run("duplicate across files", func(t *testing.T) {
		writeFile(t, dir, "c.yaml", "activities:\n  - id: a\n")
		_, err := LoadSchemaDir(dir)
		assert.ErrorIs(t, err, ErrInvalidSchema)
	})

	t.Run("single file", func(t *testing.T) {
		s, err := LoadSchemaFile(writeFile(t, t.TempDir(), "one.yaml", orderSchema))
		require.NoError(t, err)
		assert.Len(t, s.Activities, 2)
	})
}

func TestMarshalMigration(t *testing.T) {
	oldDef := definition.NewActivity("1", "Order")
	oldDef.AddVariable("total", "int")
	oldDef.Bind()
	newDef := definition.NewActivity("1", "Order")
	newDef.AddVariable("discount", "int")
	newDef.AddVariable("total", "int")
	newDef.Bind()

	m, err := definition.Diff(oldDef, newDef)
	require.NoError(t, err)

	out, err := MarshalMigration("1", m)
	require.NoError(t, err)
	assert.Contains(t, string(out), "activity: \"1\"")
	assert.NotContains(t, string(out), "activities")

	s, err := ParseSchema(out, "diff.yaml")
	require.NoError(t, err)
	assert.Equal(t, m, s.Migration("1"))

	_, err = MarshalMigration("1", nil)
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestActivityDocument_RoundTripsThroughUpdateDocument(t *testing.T) {
	doc := UpdateDocument{
		Activity: ActivityDocument{
			ID:        "1",
			Variables: []SymbolDocument{{Name: "total", Type: "int", Mappable: true}},
		},
		Resume: true,
	}
	a, err := doc.Activity.Build()
	require.NoError(t, err)
	assert.Equal(t, 1, a.SymbolCount())
	assert.Nil(t, doc.Map)
}

func TestIsSchemaFile(t *testing.T) {
	assert.True(t, IsSchemaFile("/x/order.yaml"))
	assert.True(t, IsSchemaFile("order.yml"))
	assert.False(t, IsSchemaFile("order.json"))
	assert.False(t, IsSchemaFile("/x/.order.yaml.swp"))
	assert.False(t, IsSchemaFile("/x/.order.yaml"))
}
