// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package environment implements the per-scope location environment of the
// workflow runtime.
//
// An Environment exists for every running activity instance that declares
// symbols. It stores the Locations of the instance's arguments, variables,
// delegate arguments and handles, and resolves LocationReferences against
// itself or an ancestor scope through its parent chain.
//
// # Storage
//
// Slots live either in a single-slot store (capacity 1, the common case) or
// in an array store. The two are variants of one storage type, never both
// populated. Each slot is Empty, a Placeholder awaiting resolution after a
// dynamic update added it, or Bound to a Location.
//
// # Lifecycle
//
//	New ──Declare──▶ live ──RemoveReference(owner)──▶ ShouldDispose? ──Dispose──▶ disposed
//	                  │  ▲
//	                  │  └── AddReference / RemoveReference(non-owner)
//	                  └── Update (dynamic update) ──▶ pending registrations ──RegisterUpdatedLocations──▶ live
//
// The reference count is stored minus one so a scope held only by its owner
// has a zero count. Disposal requires the owner to have released, every
// other holder to have released, and handles to have been uninitialized.
//
// # Dynamic update
//
// Update rewrites a live environment in place when the definition it runs
// is replaced. Validation happens before any mutation, so a rejected update
// never leaves a partially migrated environment. Mappable locations removed
// by an update are not unregistered inline; they are queued and unregistered
// by RegisterUpdatedLocations once the owning instance has torn down the
// removed variables' handles.
//
// # Errors
//
// Caller bugs (negative reference counts, double disposal, declaring into a
// bound slot, collapsing another environment's placeholder) panic with an
// *InvariantError. Rejected updates return an *UpdateError. Reads after
// disposal return ErrDisposed.
//
// # Thread Safety
//
// An Environment is mutated only by the goroutine currently servicing its
// owning instance. It performs no locking of its own. The mappable registry
// it reports to is shared and does its own locking.
package environment
