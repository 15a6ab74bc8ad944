// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package instance hosts the environments of running activity instances.
//
// The Host plays the execution engine for environments: it is their
// Executor, owns them by id, drives their lifecycle as instances complete,
// applies dynamic updates across every instance of a definition, and
// persists the whole tree to a snapshot store.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/environment"
	"github.com/AleutianAI/wfenv/services/wfenv/mappable"
	"github.com/AleutianAI/wfenv/services/wfenv/telemetry"
)

var tracer = otel.Tracer("wfenv.instance")

// SnapshotStore persists environment snapshots.
//
// *badger.SnapshotStore implements SnapshotStore.
type SnapshotStore interface {
	// Replace atomically swaps the stored set for snaps.
	Replace(ctx context.Context, snaps ...*environment.Snapshot) error

	// LoadAll returns every stored snapshot.
	LoadAll(ctx context.Context) ([]*environment.Snapshot, error)
}

// DefinitionResolver maps a persisted definition id to the live definition.
// It returns nil for unknown ids.
type DefinitionResolver func(definitionID string) *definition.Activity

type hosted struct {
	env   *environment.Environment
	scope *Scope
}

// Host owns environments and implements environment.Executor.
//
// Thread Safety: Safe for concurrent use. Environments are only touched
// under the host lock; callers must not mutate an environment returned by
// Get while other host methods run.
type Host struct {
	mu   sync.RWMutex
	envs map[uuid.UUID]*hosted

	registry *mappable.Registry
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewHost creates a host.
//
// Inputs:
//
//	registry - The mappable registry. Nil creates a private one.
//	logger - Optional logger. Nil uses slog.Default().
//	metrics - Optional OTel instruments. Nil disables them.
func NewHost(registry *mappable.Registry, logger *slog.Logger, metrics *telemetry.Metrics) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = mappable.NewRegistry(logger)
	}
	return &Host{
		envs:     make(map[uuid.UUID]*hosted),
		registry: registry,
		logger:   logger.With(slog.String("component", "instance_host")),
		metrics:  metrics,
	}
}

// Registrar implements environment.Executor.
func (h *Host) Registrar() environment.Registrar {
	return h.registry
}

// Logger implements environment.Executor.
func (h *Host) Logger() *slog.Logger {
	return h.logger
}

// Registry returns the mappable registry.
func (h *Host) Registry() *mappable.Registry {
	return h.registry
}

// =============================================================================
// Ownership
// =============================================================================

// Begin creates the environment for a new instance of scope.
//
// The environment has one slot per symbol of the scope's activity. The
// activity must be bound. A child holds a reference on parent until it is
// disposed, so the parent outlives it.
func (h *Host) Begin(scope *Scope, parent *environment.Environment) *environment.Environment {
	activity := scope.Activity()
	env := environment.New(h, activity, parent, activity.SymbolCount())

	h.mu.Lock()
	if parent != nil {
		parent.AddReference()
	}
	h.envs[env.ID()] = &hosted{env: env, scope: scope}
	h.mu.Unlock()

	h.metrics.EnvironmentDelta(context.Background(), 1)
	h.logger.Debug("environment created",
		slog.String("environment_id", env.ID().String()),
		slog.String("scope_id", scope.ScopeID()),
		slog.String("definition", activity.DefinitionID()),
	)
	return env
}

// Attach adds an existing environment owned by scope. A newly attached
// child takes a reference on its parent, as with Begin.
func (h *Host) Attach(env *environment.Environment, scope *Scope) {
	h.mu.Lock()
	_, existed := h.envs[env.ID()]
	if parent := env.Parent(); parent != nil && !existed {
		parent.AddReference()
	}
	h.envs[env.ID()] = &hosted{env: env, scope: scope}
	h.mu.Unlock()

	if !existed {
		h.metrics.EnvironmentDelta(context.Background(), 1)
	}
}

// Get returns the environment with id.
func (h *Host) Get(id uuid.UUID) (*environment.Environment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	he, ok := h.envs[id]
	if !ok {
		return nil, false
	}
	return he.env, true
}

// Scope returns the owning scope of the environment with id.
func (h *Host) Scope(id uuid.UUID) (*Scope, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	he, ok := h.envs[id]
	if !ok {
		return nil, false
	}
	return he.scope, true
}

// Environments returns every owned environment ordered by id.
func (h *Host) Environments() []*environment.Environment {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sortedLocked()
}

func (h *Host) sortedLocked() []*environment.Environment {
	out := make([]*environment.Environment, 0, len(h.envs))
	for _, he := range h.envs {
		out = append(out, he.env)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

// Len returns the number of owned environments.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.envs)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Complete ends the owning instance of env.
//
// Description:
//
//	Uninitializes env's handles, releases the owner reference and, when no
//	other holder remains, disposes env and forgets it. Handle failures are
//	returned after the environment has been released.
//
// Outputs:
//
//	error - Wraps environment.ErrHandleUninitialize, or nil.
func (h *Host) Complete(ctx context.Context, env *environment.Environment, scope *Scope) error {
	ctx, span := tracer.Start(ctx, "instance.Host.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("environment_id", env.ID().String()))

	h.mu.Lock()
	defer h.mu.Unlock()

	err := env.UninitializeHandles(scope)
	if err != nil {
		telemetry.RecordError(span, err)
		h.metrics.RecordError(ctx, "complete")
		telemetry.LoggerWithTrace(ctx, h.logger).Warn("instance completed with handle failures",
			slog.String("environment_id", env.ID().String()),
			slog.String("error", err.Error()),
		)
	}

	env.RemoveReference(true)
	h.disposeIfDoneLocked(ctx, env)
	return err
}

// AddReference records a secondary holder of env, such as a child
// environment that outlives its parent.
func (h *Host) AddReference(env *environment.Environment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	env.AddReference()
}

// Release drops a secondary holder of env and disposes env when it was the
// last one.
func (h *Host) Release(ctx context.Context, env *environment.Environment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	env.RemoveReference(false)
	h.disposeIfDoneLocked(ctx, env)
}

// disposeIfDoneLocked disposes env once every holder has released it, then
// releases env's hold on its parent.
func (h *Host) disposeIfDoneLocked(ctx context.Context, env *environment.Environment) {
	for env != nil && env.ShouldDispose() && !env.IsDisposed() {
		env.Dispose()
		if _, ok := h.envs[env.ID()]; ok {
			delete(h.envs, env.ID())
			h.metrics.EnvironmentDelta(ctx, -1)
		}

		parent := env.Parent()
		if parent == nil || parent.IsDisposed() {
			return
		}
		parent.RemoveReference(false)
		env = parent
	}
}

// =============================================================================
// Dynamic update
// =============================================================================

// UpdateResult reports a host-wide update.
type UpdateResult struct {
	// Updated are the ids of migrated environments.
	Updated []uuid.UUID `json:"updated"`

	// Pending are the ids whose registry work awaits Resume.
	Pending []uuid.UUID `json:"pending"`
}

// ApplyUpdate migrates every environment whose definition is oldDef to
// newDef using m.
//
// Description:
//
//	All or nothing: every matching environment is validated concurrently
//	first, and nothing changes if any rejects. Then each environment is
//	updated and relinked to newDef, and its owning scope switches to
//	newDef. Registry work stays pending until Resume.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	oldDef - The definition being replaced. Matched by identity.
//	newDef - The bound replacement.
//	m - The migration map.
//
// Outputs:
//
//	*UpdateResult - The migrated environments.
//	error - ErrNoMatchingEnvironments, the first *environment.UpdateError,
//	or a context error.
func (h *Host) ApplyUpdate(ctx context.Context, oldDef, newDef *definition.Activity, m *definition.MigrationMap) (result *UpdateResult, err error) {
	ctx, span := tracer.Start(ctx, "instance.Host.ApplyUpdate")
	defer span.End()
	span.SetAttributes(
		attribute.String("definition_id", oldDef.DefinitionID()),
		attribute.Int("old_slots", m.OldTotal()),
		attribute.Int("new_slots", m.NewTotal()),
	)

	start := time.Now()
	defer func() {
		status := "applied"
		if err != nil {
			status = "rejected"
			telemetry.RecordError(span, err)
		}
		h.metrics.RecordUpdate(ctx, status, time.Since(start).Seconds())
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []*hosted
	for _, env := range h.sortedLocked() {
		if env.Definition() == oldDef && !env.IsDisposed() {
			targets = append(targets, h.envs[env.ID()])
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingEnvironments, oldDef)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, he := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return he.env.ValidateUpdate(m, newDef)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result = &UpdateResult{}
	for _, he := range targets {
		if err := he.env.Update(m, newDef); err != nil {
			// Validation passed under the same lock, so this is a bug.
			return nil, fmt.Errorf("update %s after validation: %w", he.env.ID(), err)
		}
		he.env.Load(newDef)
		if he.scope != nil {
			he.scope.SetActivity(newDef)
		}
		result.Updated = append(result.Updated, he.env.ID())
		if he.env.HasPendingUpdate() {
			result.Pending = append(result.Pending, he.env.ID())
		}
	}

	span.SetStatus(codes.Ok, "")
	telemetry.LoggerWithTrace(ctx, h.logger).Info("dynamic update applied",
		slog.String("definition", newDef.DefinitionID()),
		slog.Int("environments", len(result.Updated)),
		slog.Int("pending", len(result.Pending)),
	)
	return result, nil
}

// Resume performs the deferred registry work of the environment with id, as
// its instance resumes after an update.
func (h *Host) Resume(id uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	he, ok := h.envs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	he.env.RegisterUpdatedLocations(h.scopeOf(he))
	return nil
}

// ResumeAll resumes every environment with pending registry work and
// returns how many there were.
func (h *Host) ResumeAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, env := range h.sortedLocked() {
		if env.HasPendingUpdate() {
			env.RegisterUpdatedLocations(h.scopeOf(h.envs[env.ID()]))
			n++
		}
	}
	return n
}

func (h *Host) scopeOf(he *hosted) environment.Scope {
	if he.scope == nil {
		return nil
	}
	return he.scope
}

// Definitions returns every distinct definition linked to a live
// environment with the given definition id, in environment id order.
//
// More than one version of an activity can be live at once, for example
// after an update that only some environments accepted. ApplyUpdate matches
// by identity, so callers migrating an activity id apply it per version.
func (h *Host) Definitions(definitionID string) []*definition.Activity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*definition.Activity
	seen := make(map[*definition.Activity]bool)
	for _, env := range h.sortedLocked() {
		def := env.Definition()
		if def == nil || def.ID != definitionID || seen[def] || env.IsDisposed() {
			continue
		}
		seen[def] = true
		out = append(out, def)
	}
	return out
}

// =============================================================================
// Inspection
// =============================================================================

// Summary describes one environment for listings.
type Summary struct {
	ID                   string `json:"id"`
	ParentID             string `json:"parent_id,omitempty"`
	ScopeID              string `json:"scope_id,omitempty"`
	DefinitionID         string `json:"definition_id,omitempty"`
	Slots                int    `json:"slots"`
	Single               bool   `json:"single"`
	ReferenceCount       int    `json:"reference_count"`
	OwnerCompleted       bool   `json:"owner_completed"`
	HasHandles           bool   `json:"has_handles"`
	HasMappableLocations bool   `json:"has_mappable_locations"`
	PendingUpdate        bool   `json:"pending_update"`
}

// Summaries returns a summary of every owned environment ordered by id.
func (h *Host) Summaries() []Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	envs := h.sortedLocked()
	out := make([]Summary, 0, len(envs))
	for _, env := range envs {
		s := Summary{
			ID:                   env.ID().String(),
			DefinitionID:         env.Definition().DefinitionID(),
			Slots:                env.Len(),
			Single:               env.IsSingle(),
			ReferenceCount:       env.ReferenceCount(),
			OwnerCompleted:       env.OwnerCompleted(),
			HasHandles:           env.HasHandles(),
			HasMappableLocations: env.HasMappableLocations(),
			PendingUpdate:        env.HasPendingUpdate(),
		}
		if pid := env.ParentID(); pid != uuid.Nil {
			s.ParentID = pid.String()
		}
		if he := h.envs[env.ID()]; he.scope != nil {
			s.ScopeID = he.scope.ScopeID()
		}
		out = append(out, s)
	}
	return out
}

// Snapshot returns the snapshot of the environment with id.
func (h *Host) Snapshot(id uuid.UUID) (*environment.Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	he, ok := h.envs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return he.env.Snapshot()
}

// Snapshots returns the snapshot of every owned environment ordered by id.
func (h *Host) Snapshots() ([]*environment.Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	envs := h.sortedLocked()
	out := make([]*environment.Snapshot, 0, len(envs))
	for _, env := range envs {
		snap, err := env.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", env.ID(), err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// =============================================================================
// Persistence
// =============================================================================

// Persist replaces the store's contents with every owned environment.
func (h *Host) Persist(ctx context.Context, store SnapshotStore) (int, error) {
	if store == nil {
		return 0, ErrNilStore
	}
	ctx, span := tracer.Start(ctx, "instance.Host.Persist")
	defer span.End()
	start := time.Now()

	snaps, err := h.Snapshots()
	if err != nil {
		telemetry.RecordError(span, err)
		h.metrics.RecordError(ctx, "persist")
		return 0, err
	}
	if err := store.Replace(ctx, snaps...); err != nil {
		telemetry.RecordError(span, err)
		h.metrics.RecordError(ctx, "persist")
		return 0, fmt.Errorf("persist %d environments: %w", len(snaps), err)
	}

	h.metrics.RecordPersist(ctx, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("environments", len(snaps)))
	telemetry.LoggerWithTrace(ctx, h.logger).Info("environments persisted", slog.Int("count", len(snaps)))
	return len(snaps), nil
}

// Restore loads every stored environment into the host.
//
// Description:
//
//	Rebuilds each environment, relinks parents by id, links each to the
//	definition resolve returns, and re-attaches it with OnDeserialized,
//	which relinks handles and re-registers mappable locations. A snapshot
//	whose parent is not stored becomes a root. A stored parent's reference
//	count already includes its stored children; a parent that is already
//	live gains a reference per newly attached child. Nothing is attached if
//	any snapshot fails to restore.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	store - The snapshot source.
//	resolve - Maps definition ids to live definitions. Must not be nil.
//
// Outputs:
//
//	int - Number of restored environments.
//	error - ErrUnknownDefinition, environment.ErrInvalidSnapshot, or a
//	store error.
func (h *Host) Restore(ctx context.Context, store SnapshotStore, resolve DefinitionResolver) (int, error) {
	if store == nil {
		return 0, ErrNilStore
	}
	ctx, span := tracer.Start(ctx, "instance.Host.Restore")
	defer span.End()

	snaps, err := store.LoadAll(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, fmt.Errorf("load snapshots: %w", err)
	}

	restored := make(map[uuid.UUID]*hosted, len(snaps))
	order := make([]*hosted, 0, len(snaps))
	for _, snap := range snaps {
		env, err := environment.Restore(snap)
		if err != nil {
			telemetry.RecordError(span, err)
			return 0, fmt.Errorf("restore %s: %w", snap.ID, err)
		}
		var def *definition.Activity
		if snap.DefinitionID != "" {
			if def = resolve(snap.DefinitionID); def == nil {
				err := fmt.Errorf("%w: %q for environment %s", ErrUnknownDefinition, snap.DefinitionID, snap.ID)
				telemetry.RecordError(span, err)
				return 0, err
			}
			env.Load(def)
		}
		he := &hosted{env: env, scope: NewScopeWithID(env.ID().String(), def)}
		restored[env.ID()] = he
		order = append(order, he)
	}

	logger := telemetry.LoggerWithTrace(ctx, h.logger)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, he := range order {
		pid := he.env.ParentID()
		if pid == uuid.Nil {
			continue
		}
		parent, ok := restored[pid]
		if !ok {
			if existing, live := h.envs[pid]; live {
				parent = existing
				if _, attached := h.envs[he.env.ID()]; !attached {
					parent.env.AddReference()
				}
			}
		}
		if parent == nil {
			logger.Warn("parent environment missing; restoring as root",
				slog.String("environment_id", he.env.ID().String()),
				slog.String("parent_id", pid.String()),
			)
			he.env.SetParent(nil)
			continue
		}
		he.env.SetParent(parent.env)
	}

	for _, he := range order {
		he.env.OnDeserialized(h, he.scope)
		if _, existed := h.envs[he.env.ID()]; !existed {
			h.metrics.EnvironmentDelta(ctx, 1)
		}
		h.envs[he.env.ID()] = he
	}

	span.SetAttributes(attribute.Int("environments", len(order)))
	logger.Info("environments restored", slog.Int("count", len(order)))
	return len(order), nil
}
