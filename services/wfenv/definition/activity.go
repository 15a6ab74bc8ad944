// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package definition models the activity definitions that environments are
// built from, and the migration maps that describe how a definition's slot
// layout changes between versions.
//
// Slot layout of an environment for a bound Activity:
//
//	arguments | public variables | private variables | delegate arguments
//	AAAAAAAAA   VVVVVVVVVVVVVVVV   PPPPPPPPPPPPPPPPP   DDDDDDDDDDDDDDDDDD
//
// Slot ids are assigned by Activity.Bind in that order.
package definition

import (
	"fmt"

	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

// LocationReference is a symbolic address of a slot: the slot id within the
// declaring scope plus the identity of the declaring activity.
//
// References are immutable after Bind.
type LocationReference struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	TypeName string `json:"type"`

	owner *Activity
}

// Owner returns the activity that declared this reference.
func (r *LocationReference) Owner() *Activity {
	return r.owner
}

// String returns "name#id".
func (r *LocationReference) String() string {
	return fmt.Sprintf("%s#%d", r.Name, r.ID)
}

// Argument is a runtime argument of an activity.
type Argument struct {
	LocationReference
	Direction string `json:"direction,omitempty"`
}

// Variable is a public or implementation (private) variable.
type Variable struct {
	LocationReference

	// Mappable variables are advertised to the mappable registry.
	Mappable bool `json:"mappable,omitempty"`

	// IsHandle marks variables whose value is a handle with an explicit
	// initialize/uninitialize lifecycle.
	IsHandle bool `json:"handle,omitempty"`

	// Default seeds locations created by CreateLocation. Nil means no value.
	Default any `json:"default,omitempty"`
}

// CreateLocation returns a fresh Location for this variable.
func (v *Variable) CreateLocation() *location.Location {
	var loc *location.Location
	if v.Mappable {
		loc = location.NewMappable(v.TypeName)
	} else {
		loc = location.New(v.TypeName)
	}
	if v.Default != nil {
		loc.SetValue(v.Default)
	}
	return loc
}

// DelegateArgument is an argument of a delegate handler activity.
type DelegateArgument struct {
	LocationReference
}

// Activity is the definition of a scope that declares symbols.
//
// Description:
//
//	Activity is the subset of a workflow definition that the environment
//	consumes: the ordered symbol lists per category. Its pointer is the
//	definition identity compared during parent-chain resolution, so two
//	versions of one activity are two distinct *Activity values even when
//	they share an ID.
//
// Thread Safety: Immutable after Bind; safe for concurrent reads.
type Activity struct {
	// ID is the stable id of the activity within its workflow ("1.2.3").
	ID string

	// DisplayName is a human readable name.
	DisplayName string

	Arguments               []*Argument
	Variables               []*Variable
	ImplementationVariables []*Variable

	// DelegateArguments is non-empty only for delegate handler activities.
	DelegateArguments []*DelegateArgument

	bound bool
}

// NewActivity creates an unbound activity.
func NewActivity(id, displayName string) *Activity {
	return &Activity{ID: id, DisplayName: displayName}
}

// AddArgument appends a runtime argument.
func (a *Activity) AddArgument(name, typeName string) *Argument {
	arg := &Argument{LocationReference: LocationReference{Name: name, TypeName: typeName}}
	a.Arguments = append(a.Arguments, arg)
	a.bound = false
	return arg
}

// AddVariable appends a public variable.
func (a *Activity) AddVariable(name, typeName string) *Variable {
	v := &Variable{LocationReference: LocationReference{Name: name, TypeName: typeName}}
	a.Variables = append(a.Variables, v)
	a.bound = false
	return v
}

// AddImplementationVariable appends a private variable.
func (a *Activity) AddImplementationVariable(name, typeName string) *Variable {
	v := &Variable{LocationReference: LocationReference{Name: name, TypeName: typeName}}
	a.ImplementationVariables = append(a.ImplementationVariables, v)
	a.bound = false
	return v
}

// AddDelegateArgument appends a delegate argument.
func (a *Activity) AddDelegateArgument(name, typeName string) *DelegateArgument {
	d := &DelegateArgument{LocationReference: LocationReference{Name: name, TypeName: typeName}}
	a.DelegateArguments = append(a.DelegateArguments, d)
	a.bound = false
	return d
}

// Bind assigns slot ids and owners to every symbol.
//
// Description:
//
//	Walks arguments, public variables, private variables and delegate
//	arguments in that order, assigning consecutive slot ids starting at 0
//	and setting each reference's owner to a. Returns a for chaining.
//
// Outputs:
//
//	*Activity - The receiver.
func (a *Activity) Bind() *Activity {
	id := 0
	for _, arg := range a.Arguments {
		arg.ID, arg.owner = id, a
		id++
	}
	for _, v := range a.Variables {
		v.ID, v.owner = id, a
		id++
	}
	for _, v := range a.ImplementationVariables {
		v.ID, v.owner = id, a
		id++
	}
	for _, d := range a.DelegateArguments {
		d.ID, d.owner = id, a
		id++
	}
	a.bound = true
	return a
}

// IsBound reports whether Bind has run since the last symbol was added.
func (a *Activity) IsBound() bool {
	return a.bound
}

// SymbolCount returns the number of slots an environment for a needs.
func (a *Activity) SymbolCount() int {
	return len(a.Arguments) + len(a.Variables) + len(a.ImplementationVariables) + len(a.DelegateArguments)
}

// DefinitionID implements identity lookups by id for persisted state.
func (a *Activity) DefinitionID() string {
	if a == nil {
		return ""
	}
	return a.ID
}

// String returns "DisplayName(ID)".
func (a *Activity) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", a.DisplayName, a.ID)
}

// Reference returns the reference declared at slot id, or nil.
func (a *Activity) Reference(id int) *LocationReference {
	if id < 0 {
		return nil
	}
	if id < len(a.Arguments) {
		return &a.Arguments[id].LocationReference
	}
	id -= len(a.Arguments)
	if id < len(a.Variables) {
		return &a.Variables[id].LocationReference
	}
	id -= len(a.Variables)
	if id < len(a.ImplementationVariables) {
		return &a.ImplementationVariables[id].LocationReference
	}
	id -= len(a.ImplementationVariables)
	if id < len(a.DelegateArguments) {
		return &a.DelegateArguments[id].LocationReference
	}
	return nil
}

// Variable returns the public or private variable at slot id, or nil.
func (a *Activity) Variable(id int) *Variable {
	id -= len(a.Arguments)
	if id < 0 {
		return nil
	}
	if id < len(a.Variables) {
		return a.Variables[id]
	}
	id -= len(a.Variables)
	if id < len(a.ImplementationVariables) {
		return a.ImplementationVariables[id]
	}
	return nil
}
