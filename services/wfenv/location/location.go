// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package location provides the value cell stored in environment slots.
//
// A Location holds one value for one argument, variable, delegate argument
// or handle. Locations come in three shapes:
//
//   - Plain cells, created with New or NewMappable.
//   - Reference cells, created with CreateReference, which alias another
//     Location (optionally buffering reads).
//   - Temporary resolution placeholders, marked with SetTemporaryResolution,
//     whose value is the inner *Location produced by asynchronous argument
//     resolution. These are collapsed by the environment that created them.
//
// Thread Safety: Locations are not safe for concurrent use. The runtime
// services one activity instance at a time, and a Location is owned by exactly
// one slot of one environment.
package location

// Location is a single mutable value cell.
type Location struct {
	typeName string
	mappable bool

	value    any
	hasValue bool

	// target is set for reference cells created by CreateReference.
	target   *Location
	buffered bool

	resolution *resolution
}

// resolution marks a temporary resolution placeholder.
type resolution struct {
	owner                any
	bufferGetsOnCollapse bool
}

// New creates an empty, non-mappable Location for values of typeName.
func New(typeName string) *Location {
	return &Location{typeName: typeName}
}

// NewMappable creates an empty Location that is advertised to the
// mappable registry when declared.
func NewMappable(typeName string) *Location {
	return &Location{typeName: typeName, mappable: true}
}

// NewWithValue creates a Location holding v.
func NewWithValue(typeName string, v any) *Location {
	return &Location{typeName: typeName, value: v, hasValue: true}
}

// TypeName returns the declared type of the values this Location holds.
func (l *Location) TypeName() string {
	return l.typeName
}

// CanBeMapped reports whether this Location is registered with the mappable
// registry when declared.
func (l *Location) CanBeMapped() bool {
	return l.mappable
}

// SetMappable changes the mappable flag. Only meaningful before declaration.
func (l *Location) SetMappable(mappable bool) {
	l.mappable = mappable
}

// Value returns the current value, or nil when no value has been written.
//
// Reference cells read through to their target unless they buffer reads,
// in which case the value captured at creation (or the last write through
// this cell) is returned.
func (l *Location) Value() any {
	if l.target != nil && !l.buffered {
		return l.target.Value()
	}
	return l.value
}

// HasValue reports whether a value has been written.
func (l *Location) HasValue() bool {
	if l.target != nil && !l.buffered {
		return l.target.HasValue()
	}
	return l.hasValue
}

// SetValue writes v. Reference cells also write through to their target.
func (l *Location) SetValue(v any) {
	if l.target != nil {
		l.target.SetValue(v)
		if !l.buffered {
			return
		}
	}
	l.value = v
	l.hasValue = true
}

// Clear resets the Location to the value-less state. Reference cells also
// clear their target.
func (l *Location) Clear() {
	l.value = nil
	l.hasValue = false
	if l.target != nil {
		l.target.Clear()
	}
}

// IsReference reports whether this Location aliases another one.
func (l *Location) IsReference() bool {
	return l.target != nil
}

// Target returns the aliased Location of a reference cell, or nil.
func (l *Location) Target() *Location {
	return l.target
}

// BuffersGets reports whether a reference cell serves reads from a buffer.
func (l *Location) BuffersGets() bool {
	return l.buffered
}

// CreateDefault returns a fresh, value-less Location of the same type.
//
// For a temporary resolution placeholder the type is the inner type, so
// collapsing a placeholder whose resolution produced nothing yields an empty
// cell of the expected type.
func (l *Location) CreateDefault() *Location {
	return New(l.typeName)
}

// CreateReference returns a Location aliasing l.
//
// Description:
//
//	Reads and writes of the returned Location go through to l. When
//	bufferGets is true the current value of l is captured once and reads
//	are served from that capture; writes still reach l.
//
// Inputs:
//
//	bufferGets - Serve reads from a value captured now.
//
// Outputs:
//
//	*Location - The alias. Never nil.
func (l *Location) CreateReference(bufferGets bool) *Location {
	ref := &Location{
		typeName: l.typeName,
		target:   l,
		buffered: bufferGets,
	}
	if bufferGets {
		ref.value = l.Value()
		ref.hasValue = l.HasValue()
	}
	return ref
}

// SetTemporaryResolution marks l as a placeholder created by owner while an
// argument is resolved asynchronously.
func (l *Location) SetTemporaryResolution(owner any, bufferGetsOnCollapse bool) {
	l.resolution = &resolution{owner: owner, bufferGetsOnCollapse: bufferGetsOnCollapse}
}

// IsTemporary reports whether l is a temporary resolution placeholder.
func (l *Location) IsTemporary() bool {
	return l.resolution != nil
}

// ResolutionOwner returns the environment that created the placeholder, or
// nil when l is not a placeholder.
func (l *Location) ResolutionOwner() any {
	if l.resolution == nil {
		return nil
	}
	return l.resolution.owner
}

// BufferGetsOnCollapse reports whether collapsing the placeholder should
// produce a read-buffering reference.
func (l *Location) BufferGetsOnCollapse() bool {
	return l.resolution != nil && l.resolution.bufferGetsOnCollapse
}

// Resolved returns the inner Location produced for a placeholder, or nil if
// resolution produced nothing.
func (l *Location) Resolved() *Location {
	if l.resolution == nil {
		return nil
	}
	inner, _ := l.value.(*Location)
	return inner
}
