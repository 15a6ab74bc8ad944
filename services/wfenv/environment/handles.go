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
	"sync"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

// =============================================================================
// Handle
// =============================================================================

// Handle is a location payload with an explicit lifecycle.
//
// Handles are never constructed or destroyed implicitly: the runtime calls
// Initialize when the handle variable is declared, Uninitialize when the
// owning instance completes, and Reinitialize after the environment is
// rebuilt from a snapshot.
type Handle interface {
	// Kind names the handle type for snapshot restore.
	Kind() string

	// Initialize runs once when the handle is declared.
	Initialize(ctx *HandleContext) error

	// Uninitialize runs once when the owning instance completes.
	Uninitialize(ctx *HandleContext) error

	// Reinitialize relinks the handle to its live owner. It must not redo
	// the work of Initialize.
	Reinitialize(owner Scope)
}

// HandleContext is shared by every hook call of one initialize or
// uninitialize pass.
type HandleContext struct {
	executor Executor
	scope    Scope
	released bool
	calls    int
}

func newHandleContext(executor Executor, scope Scope) *HandleContext {
	return &HandleContext{executor: executor, scope: scope}
}

// Executor returns the engine context.
func (c *HandleContext) Executor() Executor {
	return c.executor
}

// Scope returns the instance the pass runs for.
func (c *HandleContext) Scope() Scope {
	return c.scope
}

// Released reports whether the pass that created the context has ended.
// Handles must not retain a context beyond their hook call.
func (c *HandleContext) Released() bool {
	return c.released
}

// Calls returns how many hooks ran under this context.
func (c *HandleContext) Calls() int {
	return c.calls
}

func (c *HandleContext) release() {
	c.released = true
}

// =============================================================================
// Environment handle operations
// =============================================================================

// HasHandles reports whether declared handles still need uninitializing.
func (e *Environment) HasHandles() bool {
	return e.hasHandles
}

// AddHandle records an initialized handle for snapshot and relink.
func (e *Environment) AddHandle(h Handle) {
	e.handles = append(e.handles, h)
	e.hasHandles = true
}

// Handles returns the live handles recorded by AddHandle.
func (e *Environment) Handles() []Handle {
	out := make([]Handle, len(e.handles))
	copy(out, e.handles)
	return out
}

// InitializeHandle runs h's initialize hook and declares it at ref.
//
// Description:
//
//	Creates a handle context for scope, runs h.Initialize, releases the
//	context, then records h with AddHandle and declares a new Location
//	holding h with DeclareHandle. Nothing is declared if the hook fails.
//
// Inputs:
//
//	scope - The owning instance.
//	ref - The handle variable's reference.
//	h - The handle. Must not be nil.
//
// Outputs:
//
//	*location.Location - The declared location.
//	error - Wraps ErrHandleInitialize when the hook fails.
func (e *Environment) InitializeHandle(scope Scope, ref *definition.LocationReference, h Handle) (*location.Location, error) {
	invariant(h != nil, "initialize_handle", "nil handle for %s", ref)

	ctx := newHandleContext(e.executor, scope)
	err := h.Initialize(ctx)
	ctx.calls++
	ctx.release()
	if err != nil {
		handleFailuresTotal.WithLabelValues("initialize").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrHandleInitialize, ref, err)
	}

	e.AddHandle(h)
	loc := location.New(ref.TypeName)
	loc.SetValue(h)
	e.DeclareHandle(ref, loc, scope)
	return loc, nil
}

// UninitializeHandles runs the uninitialize hook of every live handle
// declared by this scope's public and private variables.
//
// Description:
//
//	A single handle context is created on first need and released once the
//	pass ends, on every exit path. A failing hook does not stop the pass:
//	every handle is uninitialized and its slot cleared, then the failures
//	are returned together. Once the pass has run, HasHandles is false and
//	further calls are no-ops.
//
// Inputs:
//
//	scope - The owning instance.
//
// Outputs:
//
//	error - Wraps ErrHandleUninitialize and every hook error, or nil.
func (e *Environment) UninitializeHandles(scope Scope) error {
	if !e.hasHandles {
		return nil
	}
	invariant(e.definition != nil, "uninitialize_handles", "environment has handles but no definition")

	var ctx *HandleContext
	defer func() {
		if ctx != nil {
			ctx.release()
		}
	}()

	var errs []error
	errs = e.uninitializeHandles(scope, e.definition.Variables, &ctx, errs)
	errs = e.uninitializeHandles(scope, e.definition.ImplementationVariables, &ctx, errs)
	e.hasHandles = false
	e.handles = nil

	if len(errs) > 0 {
		handleFailuresTotal.WithLabelValues("uninitialize").Add(float64(len(errs)))
		e.logger.Warn("handle uninitialize failed",
			slog.Int("failures", len(errs)),
			slog.String("scope_id", scopeID(scope)),
		)
		return fmt.Errorf("%w: %w", ErrHandleUninitialize, errors.Join(errs...))
	}
	return nil
}

func (e *Environment) uninitializeHandles(scope Scope, vars []*definition.Variable, ctx **HandleContext, errs []error) []error {
	for _, v := range vars {
		if !v.IsHandle {
			continue
		}
		loc := e.boundAt(v.ID)
		if loc == nil {
			continue
		}
		if h, ok := loc.Value().(Handle); ok && h != nil {
			if *ctx == nil {
				*ctx = newHandleContext(e.executor, scope)
			}
			(*ctx).calls++
			if err := h.Uninitialize(*ctx); err != nil {
				errs = append(errs, fmt.Errorf("handle %s: %w", v.Name, err))
			}
		}
		loc.Clear()
	}
	return errs
}

// ReinitializeHandles relinks every recorded handle to scope without running
// the initialize hook.
func (e *Environment) ReinitializeHandles(scope Scope) {
	for _, h := range e.handles {
		h.Reinitialize(scope)
		e.hasHandles = true
	}
}

// =============================================================================
// Handle kinds
// =============================================================================

var handleKinds = struct {
	sync.RWMutex
	factories map[string]func() Handle
}{
	factories: map[string]func() Handle{
		StateHandleKind: func() Handle { return &StateHandle{} },
	},
}

// RegisterHandleKind makes a handle kind restorable from snapshots.
//
// Thread Safety: Safe for concurrent use. Typically called from init.
func RegisterHandleKind(kind string, factory func() Handle) {
	handleKinds.Lock()
	defer handleKinds.Unlock()
	handleKinds.factories[kind] = factory
}

func newHandle(kind string) (Handle, error) {
	handleKinds.RLock()
	factory, ok := handleKinds.factories[kind]
	handleKinds.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandleKind, kind)
	}
	return factory(), nil
}

// StateHandleKind is the kind of StateHandle.
const StateHandleKind = "state"

// StateHandle is a serializable handle carrying named state owned by an
// instance, such as a correlation or a bookmark scope.
type StateHandle struct {
	Name    string         `json:"name"`
	State   map[string]any `json:"state,omitempty"`
	OwnerID string         `json:"owner_id,omitempty"`

	initialized bool
}

// NewStateHandle creates an uninitialized StateHandle.
func NewStateHandle(name string) *StateHandle {
	return &StateHandle{Name: name, State: make(map[string]any)}
}

// Kind implements Handle.
func (h *StateHandle) Kind() string { return StateHandleKind }

// Initialize implements Handle.
func (h *StateHandle) Initialize(ctx *HandleContext) error {
	if h.initialized {
		return fmt.Errorf("state handle %q already initialized", h.Name)
	}
	h.OwnerID = scopeID(ctx.Scope())
	if h.State == nil {
		h.State = make(map[string]any)
	}
	h.initialized = true
	return nil
}

// Uninitialize implements Handle.
func (h *StateHandle) Uninitialize(*HandleContext) error {
	h.initialized = false
	h.State = nil
	return nil
}

// Reinitialize implements Handle.
func (h *StateHandle) Reinitialize(owner Scope) {
	h.OwnerID = scopeID(owner)
	h.initialized = true
}

// Initialized reports whether the handle is live.
func (h *StateHandle) Initialized() bool {
	return h.initialized
}
