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
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
)

// Scope is an activity instance: one execution of an activity definition
// that owns an environment.
//
// Thread Safety: Safe for concurrent use.
type Scope struct {
	id string

	mu       sync.RWMutex
	activity *definition.Activity
}

// NewScope creates a scope with a fresh id.
func NewScope(activity *definition.Activity) *Scope {
	return NewScopeWithID(uuid.NewString(), activity)
}

// NewScopeWithID creates a scope with a known id, used when rebuilding
// instances from persisted state.
func NewScopeWithID(id string, activity *definition.Activity) *Scope {
	return &Scope{id: id, activity: activity}
}

// ScopeID implements environment.Scope.
func (s *Scope) ScopeID() string {
	return s.id
}

// Activity implements environment.Scope.
func (s *Scope) Activity() *definition.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity
}

// SetActivity switches the scope to a new definition after an update.
func (s *Scope) SetActivity(a *definition.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = a
}
