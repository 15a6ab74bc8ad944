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
	"fmt"
)

// Category names used in map errors and documents.
const (
	CategoryArguments        = "arguments"
	CategoryVariables        = "variables"
	CategoryPrivateVariables = "private_variables"
)

// MapEntry describes one slot of the new layout within a category.
//
// An addition places a new symbol at NewOffset. Otherwise the old slot at
// OldOffset moves to NewOffset. Offsets are relative to the category.
type MapEntry struct {
	OldOffset   int  `json:"old_offset" yaml:"old_offset"`
	NewOffset   int  `json:"new_offset" yaml:"new_offset"`
	IsAddition  bool `json:"addition,omitempty" yaml:"addition,omitempty"`
	IsNewHandle bool `json:"new_handle,omitempty" yaml:"new_handle,omitempty"`
}

// MigrationMap describes how one scope's old slot layout maps to a new one.
//
// Any new offset not named by an entry copies the old slot at the same
// offset within its category. Delegate arguments are never remapped; the
// delegate suffix is copied verbatim.
type MigrationMap struct {
	OldArgumentCount int `json:"old_argument_count" yaml:"old_argument_count"`
	NewArgumentCount int `json:"new_argument_count" yaml:"new_argument_count"`

	OldVariableCount int `json:"old_variable_count" yaml:"old_variable_count"`
	NewVariableCount int `json:"new_variable_count" yaml:"new_variable_count"`

	OldPrivateVariableCount int `json:"old_private_variable_count" yaml:"old_private_variable_count"`
	NewPrivateVariableCount int `json:"new_private_variable_count" yaml:"new_private_variable_count"`

	DelegateArgumentCount int `json:"delegate_argument_count" yaml:"delegate_argument_count"`

	ArgumentEntries        []MapEntry `json:"argument_entries,omitempty" yaml:"argument_entries,omitempty"`
	VariableEntries        []MapEntry `json:"variable_entries,omitempty" yaml:"variable_entries,omitempty"`
	PrivateVariableEntries []MapEntry `json:"private_variable_entries,omitempty" yaml:"private_variable_entries,omitempty"`
}

// OldTotal returns the slot count of the old layout.
func (m *MigrationMap) OldTotal() int {
	return m.OldArgumentCount + m.OldVariableCount + m.OldPrivateVariableCount + m.DelegateArgumentCount
}

// NewTotal returns the slot count of the new layout.
func (m *MigrationMap) NewTotal() int {
	return m.NewArgumentCount + m.NewVariableCount + m.NewPrivateVariableCount + m.DelegateArgumentCount
}

// HasEntries reports whether any category has explicit entries.
func (m *MigrationMap) HasEntries() bool {
	return len(m.ArgumentEntries) > 0 || len(m.VariableEntries) > 0 || len(m.PrivateVariableEntries) > 0
}

// NewVariableIndex returns the new offset of the public variable at old
// offset old, or false when that variable does not survive the update.
func (m *MigrationMap) NewVariableIndex(old int) (int, bool) {
	return newIndex(m.VariableEntries, old, m.NewVariableCount)
}

// NewPrivateVariableIndex returns the new offset of the private variable at
// old offset old, or false when that variable does not survive the update.
func (m *MigrationMap) NewPrivateVariableIndex(old int) (int, bool) {
	return newIndex(m.PrivateVariableEntries, old, m.NewPrivateVariableCount)
}

// newIndex resolves an explicit move first, then the implicit same-offset
// copy of an untouched new offset.
func newIndex(entries []MapEntry, old, newCount int) (int, bool) {
	for _, e := range entries {
		if !e.IsAddition && e.OldOffset == old {
			return e.NewOffset, true
		}
	}
	if old < 0 || old >= newCount {
		return 0, false
	}
	for _, e := range entries {
		if e.NewOffset == old {
			return 0, false
		}
	}
	return old, true
}

// Validate checks the map's internal consistency.
//
// Description:
//
//	Validates each category independently:
//	- counts are non-negative
//	- every NewOffset is within the new count and named at most once
//	- every moved OldOffset is within the old count and moved at most once
//	- every new offset not named by an entry has an old slot to copy
//	- variable categories carry no added handles
//
// Outputs:
//
//	error - A *MapError wrapping ErrInvalidMap, or nil.
func (m *MigrationMap) Validate() error {
	counts := []int{
		m.OldArgumentCount, m.NewArgumentCount,
		m.OldVariableCount, m.NewVariableCount,
		m.OldPrivateVariableCount, m.NewPrivateVariableCount,
		m.DelegateArgumentCount,
	}
	for _, c := range counts {
		if c < 0 {
			return fmt.Errorf("%w: negative count %d", ErrInvalidMap, c)
		}
	}

	if err := validateCategory(CategoryArguments, m.ArgumentEntries, m.OldArgumentCount, m.NewArgumentCount, true); err != nil {
		return err
	}
	if err := validateCategory(CategoryVariables, m.VariableEntries, m.OldVariableCount, m.NewVariableCount, false); err != nil {
		return err
	}
	return validateCategory(CategoryPrivateVariables, m.PrivateVariableEntries, m.OldPrivateVariableCount, m.NewPrivateVariableCount, false)
}

func validateCategory(category string, entries []MapEntry, oldCount, newCount int, allowNewHandle bool) error {
	targeted := make(map[int]bool, len(entries))
	moved := make(map[int]bool, len(entries))

	for _, e := range entries {
		if e.NewOffset < 0 || e.NewOffset >= newCount {
			return newMapError(category, e.NewOffset, "new offset out of range [0,%d)", newCount)
		}
		if targeted[e.NewOffset] {
			return newMapError(category, e.NewOffset, "new offset named more than once")
		}
		targeted[e.NewOffset] = true

		if e.IsAddition {
			if e.IsNewHandle && !allowNewHandle {
				return newMapError(category, e.NewOffset, "handles cannot be added to a running instance")
			}
			continue
		}
		if e.OldOffset < 0 || e.OldOffset >= oldCount {
			return newMapError(category, e.NewOffset, "old offset %d out of range [0,%d)", e.OldOffset, oldCount)
		}
		if moved[e.OldOffset] {
			return newMapError(category, e.NewOffset, "old offset %d moved more than once", e.OldOffset)
		}
		moved[e.OldOffset] = true
	}

	for i := 0; i < newCount; i++ {
		if !targeted[i] && i >= oldCount {
			return newMapError(category, i, "no entry and no old slot to copy")
		}
	}
	return nil
}

// IdentityMap returns the map that leaves an environment for a unchanged.
func IdentityMap(a *Activity) *MigrationMap {
	return &MigrationMap{
		OldArgumentCount:        len(a.Arguments),
		NewArgumentCount:        len(a.Arguments),
		OldVariableCount:        len(a.Variables),
		NewVariableCount:        len(a.Variables),
		OldPrivateVariableCount: len(a.ImplementationVariables),
		NewPrivateVariableCount: len(a.ImplementationVariables),
		DelegateArgumentCount:   len(a.DelegateArguments),
	}
}

// Diff derives a migration map between two versions of one activity by
// matching symbols by name within each category.
//
// Description:
//
//	A symbol present in both versions at the same offset needs no entry.
//	A symbol present in both at different offsets becomes a move. A symbol
//	only in the new version becomes an addition. Symbols only in the old
//	version are removed. Delegate arguments must match in count because
//	they are never remapped.
//
// Inputs:
//
//	oldDef - The definition currently executing. Must not be nil.
//	newDef - The replacement definition. Must not be nil.
//
// Outputs:
//
//	*MigrationMap - The derived map, already validated.
//	error - Non-nil on duplicate names, delegate count changes, or an
//	invalid result.
func Diff(oldDef, newDef *Activity) (*MigrationMap, error) {
	if oldDef == nil || newDef == nil {
		return nil, fmt.Errorf("%w: both definitions are required", ErrInvalidInput)
	}
	if len(oldDef.DelegateArguments) != len(newDef.DelegateArguments) {
		return nil, fmt.Errorf("%w: delegate argument count changed from %d to %d",
			ErrInvalidMap, len(oldDef.DelegateArguments), len(newDef.DelegateArguments))
	}

	m := &MigrationMap{
		OldArgumentCount:        len(oldDef.Arguments),
		NewArgumentCount:        len(newDef.Arguments),
		OldVariableCount:        len(oldDef.Variables),
		NewVariableCount:        len(newDef.Variables),
		OldPrivateVariableCount: len(oldDef.ImplementationVariables),
		NewPrivateVariableCount: len(newDef.ImplementationVariables),
		DelegateArgumentCount:   len(newDef.DelegateArguments),
	}

	var err error
	if m.ArgumentEntries, err = diffCategory(CategoryArguments, argumentNames(oldDef.Arguments), argumentNames(newDef.Arguments), nil); err != nil {
		return nil, err
	}
	if m.VariableEntries, err = diffCategory(CategoryVariables, variableNames(oldDef.Variables), variableNames(newDef.Variables), newDef.Variables); err != nil {
		return nil, err
	}
	if m.PrivateVariableEntries, err = diffCategory(CategoryPrivateVariables, variableNames(oldDef.ImplementationVariables), variableNames(newDef.ImplementationVariables), newDef.ImplementationVariables); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func diffCategory(category string, oldNames, newNames []string, newVars []*Variable) ([]MapEntry, error) {
	oldIndex := make(map[string]int, len(oldNames))
	for i, n := range oldNames {
		if _, dup := oldIndex[n]; dup {
			return nil, newMapError(category, i, "duplicate name %q in old definition", n)
		}
		oldIndex[n] = i
	}

	var entries []MapEntry
	seen := make(map[string]bool, len(newNames))
	for j, n := range newNames {
		if seen[n] {
			return nil, newMapError(category, j, "duplicate name %q in new definition", n)
		}
		seen[n] = true

		i, ok := oldIndex[n]
		switch {
		case !ok:
			e := MapEntry{NewOffset: j, IsAddition: true}
			if newVars != nil && newVars[j].IsHandle {
				e.IsNewHandle = true
			}
			entries = append(entries, e)
		case i != j:
			entries = append(entries, MapEntry{OldOffset: i, NewOffset: j})
		}
	}

	// Untouched offsets copy a same-named old slot.
	return entries, nil
}

func argumentNames(args []*Argument) []string {
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = a.Name
	}
	return names
}

func variableNames(vars []*Variable) []string {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	return names
}
