// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wfenv exposes an instance host over HTTP: environment inspection,
// the mappable location feed, dynamic updates and snapshot persistence.
package wfenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/wfenv/services/wfenv/config"
	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/instance"
	"github.com/AleutianAI/wfenv/services/wfenv/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("wfenv.service")

// Service coordinates a Host with its schema set and snapshot store.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	host   *instance.Host
	store  instance.SnapshotStore
	logger *slog.Logger

	mu     sync.RWMutex
	schema *config.Schema
}

// NewService creates a service over host. store may be nil, in which case
// Persist returns ErrNoStore.
func NewService(host *instance.Host, store instance.SnapshotStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		host:   host,
		store:  store,
		logger: logger.With(slog.String("component", "wfenv_service")),
	}
}

// Host returns the underlying host.
func (s *Service) Host() *instance.Host {
	return s.host
}

// Schema returns the current schema set, or nil.
func (s *Service) Schema() *config.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// SetSchema replaces the schema set without migrating anything.
func (s *Service) SetSchema(schema *config.Schema) {
	s.mu.Lock()
	s.schema = schema
	s.mu.Unlock()
}

// Resolve looks up a definition by id in the current schema set. It is the
// resolver handed to Host.Restore.
func (s *Service) Resolve(definitionID string) *definition.Activity {
	schema := s.Schema()
	if schema == nil {
		return nil
	}
	return schema.Activity(definitionID)
}

// Restore loads persisted environments, resolving their definitions through
// the current schema set.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, ErrNoStore
	}
	return s.host.Restore(ctx, s.store, s.Resolve)
}

// Persist writes every live environment to the store.
func (s *Service) Persist(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, ErrNoStore
	}
	return s.host.Persist(ctx, s.store)
}

// RunPersistLoop persists every interval until ctx is done, then persists
// once more. Failures are logged and the loop continues.
func (s *Service) RunPersistLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	persist := func(ctx context.Context) {
		if n, err := s.Persist(ctx); err != nil {
			s.logger.Error("periodic persist failed", slog.String("error", err.Error()))
		} else {
			s.logger.Debug("periodic persist", slog.Int("environments", n))
		}
	}

	for {
		select {
		case <-ctx.Done():
			persist(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			persist(ctx)
		}
	}
}

// Update applies a dynamic update described by doc.
//
// Description:
//
//	Builds the new activity version and migrates every running version
//	with the same id. Each version gets doc.Map, or a map derived by name
//	when doc.Map is nil; every derived map is computed before anything
//	changes. Versions are migrated one at a time, so a rejection from a
//	later version leaves earlier ones migrated and their ids in the
//	returned result. When doc.Resume is set the deferred registry work
//	runs immediately.
//
// Outputs:
//
//	*instance.UpdateResult - The migrated environments.
//	error - ErrInvalidRequest, ErrUnknownActivity, or an error from
//	Host.ApplyUpdate (wrapping environment.ErrUpdateRejected when an
//	environment refused the map).
func (s *Service) Update(ctx context.Context, doc *config.UpdateDocument) (*instance.UpdateResult, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: empty update", ErrInvalidRequest)
	}
	ctx, span := tracer.Start(ctx, "wfenv.Service.Update")
	defer span.End()
	span.SetAttributes(attribute.String("activity_id", doc.Activity.ID))

	newDef, err := doc.Activity.Build()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	oldDefs := s.host.Definitions(newDef.ID)
	if len(oldDefs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, newDef.ID)
	}

	maps := make([]*definition.MigrationMap, len(oldDefs))
	for i, oldDef := range oldDefs {
		if maps[i] = doc.Map; maps[i] != nil {
			continue
		}
		if maps[i], err = definition.Diff(oldDef, newDef); err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	span.SetAttributes(attribute.Int("versions", len(oldDefs)))

	result := &instance.UpdateResult{}
	for i, oldDef := range oldDefs {
		applied, err := s.host.ApplyUpdate(ctx, oldDef, newDef, maps[i])
		if err != nil {
			telemetry.RecordError(span, err)
			if len(result.Updated) == 0 {
				return nil, err
			}
			return result, err
		}
		result.Updated = append(result.Updated, applied.Updated...)
		result.Pending = append(result.Pending, applied.Pending...)
	}
	if doc.Resume {
		for _, id := range result.Pending {
			if err := s.host.Resume(id); err != nil {
				return result, err
			}
		}
	}
	telemetry.SetSpanOK(span)
	return result, nil
}

// ApplySchema migrates running environments to the matching activities of
// schema and makes schema current.
//
// Description:
//
//	For each activity of schema that a running environment uses, the
//	explicit migration from the schema is applied, or one derived by name.
//	Failures for one activity do not stop the others and are joined into
//	the returned error.
//
// Outputs:
//
//	int - Number of environments migrated.
//	error - Joined per-activity failures.
func (s *Service) ApplySchema(ctx context.Context, schema *config.Schema) (int, error) {
	if schema == nil {
		return 0, fmt.Errorf("%w: nil schema", ErrInvalidRequest)
	}
	ctx, span := tracer.Start(ctx, "wfenv.Service.ApplySchema")
	defer span.End()

	var errs []error
	migrated := 0
	for _, id := range schema.IDs() {
		newDef := schema.Activity(id)
		for _, oldDef := range s.host.Definitions(id) {
			if oldDef == newDef {
				continue
			}
			m := schema.Migration(id)
			if m == nil {
				var err error
				if m, err = definition.Diff(oldDef, newDef); err != nil {
					errs = append(errs, fmt.Errorf("activity %s: %w", id, err))
					continue
				}
			}
			result, err := s.host.ApplyUpdate(ctx, oldDef, newDef, m)
			if err != nil {
				errs = append(errs, fmt.Errorf("activity %s: %w", id, err))
				continue
			}
			migrated += len(result.Updated)
		}
	}
	resumed := s.host.ResumeAll()

	s.SetSchema(schema)

	err := errors.Join(errs...)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	telemetry.LoggerWithTrace(ctx, s.logger).Info("schema applied",
		slog.Int("activities", len(schema.Activities)),
		slog.Int("migrated", migrated),
		slog.Int("resumed", resumed),
		slog.Int("failures", len(errs)),
	)
	return migrated, err
}

// ReloadSchemas reads every schema file in dir and applies the result.
func (s *Service) ReloadSchemas(ctx context.Context, dir string) (int, error) {
	schema, err := config.LoadSchemaDir(dir)
	if err != nil {
		return 0, err
	}
	return s.ApplySchema(ctx, schema)
}
