// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mappable indexes externally visible ("mappable") locations by the
// activity definition that declared them, for out-of-process introspection.
//
// One Registry is shared by every environment in a process. Register and
// Unregister are serialized by a single lock because environments belonging
// to different instances register independently of each other.
package mappable

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	registryOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wfenv_mappable_operations_total",
		Help: "Total mappable registry operations by type",
	}, []string{"operation"})

	registrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wfenv_mappable_locations",
		Help: "Mappable locations currently registered across all registries",
	})

	droppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wfenv_mappable_dropped_events_total",
		Help: "Registry events dropped because a subscriber was not keeping up",
	})
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Entry describes one registered location.
type Entry struct {
	Name           string    `json:"name"`
	TypeName       string    `json:"type"`
	ReferenceID    int       `json:"reference_id"`
	DefinitionID   string    `json:"definition_id"`
	DefinitionName string    `json:"definition_name"`
	ScopeID        string    `json:"scope_id"`
	Value          any       `json:"value,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`

	location *location.Location
}

// Location returns the registered location.
func (e Entry) Location() *location.Location {
	return e.location
}

// EventType distinguishes registry events.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
)

// Event is delivered to subscribers on every registry mutation.
type Event struct {
	Type  EventType `json:"type"`
	Entry Entry     `json:"entry"`
}

// Registry is the process-wide index of mappable locations.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu          sync.Mutex
	entries     map[*location.Location]*Entry
	subscribers map[int]chan Event
	nextSubID   int
	logger      *slog.Logger
	now         func() time.Time
}

// NewRegistry creates an empty registry.
//
// Inputs:
//
//	logger - Optional logger. Nil uses slog.Default().
//
// Outputs:
//
//	*Registry - The registry. Never nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:     make(map[*location.Location]*Entry),
		subscribers: make(map[int]chan Event),
		logger:      logger.With(slog.String("component", "mappable_registry")),
		now:         time.Now,
	}
}

// Register indexes loc under owner and ref.
//
// Description:
//
//	Registering a location that is already present replaces its entry, so
//	re-registration after a reload is harmless.
//
// Inputs:
//
//	loc - The location. Nil is ignored.
//	owner - The activity that declared ref. May be nil for scopes whose
//	  definition has not been relinked yet.
//	ref - The reference the location is bound to. Must not be nil.
//	scopeID - Id of the owning activity instance, for display.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Register(loc *location.Location, owner *definition.Activity, ref *definition.LocationReference, scopeID string) {
	if loc == nil || ref == nil {
		return
	}

	entry := &Entry{
		Name:           ref.Name,
		TypeName:       ref.TypeName,
		ReferenceID:    ref.ID,
		DefinitionID:   owner.DefinitionID(),
		DefinitionName: displayName(owner),
		ScopeID:        scopeID,
		RegisteredAt:   r.now(),
		location:       loc,
	}

	r.mu.Lock()
	_, existed := r.entries[loc]
	r.entries[loc] = entry
	if !existed {
		registrySize.Inc()
	}
	r.publishLocked(Event{Type: EventRegistered, Entry: entry.snapshot()})
	r.mu.Unlock()

	registryOperationsTotal.WithLabelValues("register").Inc()
	r.logger.Debug("mappable location registered",
		slog.String("name", ref.Name),
		slog.Int("reference_id", ref.ID),
		slog.String("definition_id", entry.DefinitionID),
		slog.String("scope_id", scopeID),
	)
}

// Unregister removes loc. Returns false if loc was not registered.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Unregister(loc *location.Location) bool {
	if loc == nil {
		return false
	}

	r.mu.Lock()
	entry, ok := r.entries[loc]
	if ok {
		delete(r.entries, loc)
		registrySize.Dec()
		r.publishLocked(Event{Type: EventUnregistered, Entry: entry.snapshot()})
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	registryOperationsTotal.WithLabelValues("unregister").Inc()
	r.logger.Debug("mappable location unregistered",
		slog.String("name", entry.Name),
		slog.String("definition_id", entry.DefinitionID),
	)
	return true
}

// Contains reports whether loc is registered.
func (r *Registry) Contains(loc *location.Location) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[loc]
	return ok
}

// Lookup returns the entry for loc.
func (r *Registry) Lookup(loc *location.Location) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[loc]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of registered locations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List returns every entry ordered by definition id, then reference id.
//
// Each entry carries the location's value at the time of the call.
func (r *Registry) List() []Entry {
	return r.list(func(*Entry) bool { return true })
}

// ListByDefinition returns the entries declared by definitionID.
func (r *Registry) ListByDefinition(definitionID string) []Entry {
	return r.list(func(e *Entry) bool { return e.DefinitionID == definitionID })
}

func (r *Registry) list(keep func(*Entry) bool) []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e.snapshot())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DefinitionID != out[j].DefinitionID {
			return out[i].DefinitionID < out[j].DefinitionID
		}
		if out[i].ReferenceID != out[j].ReferenceID {
			return out[i].ReferenceID < out[j].ReferenceID
		}
		return out[i].ScopeID < out[j].ScopeID
	})
	return out
}

// Subscribe returns a channel receiving every subsequent registry event.
//
// Description:
//
//	Events are delivered without blocking the registry. A subscriber whose
//	buffer is full misses events; the drop is counted in
//	wfenv_mappable_dropped_events_total. Call cancel to stop delivery and
//	close the channel.
//
// Inputs:
//
//	buffer - Channel capacity. Values below 1 are raised to 1.
//
// Outputs:
//
//	<-chan Event - The event stream.
//	func() - Cancels the subscription. Safe to call more than once.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Registry) publishLocked(ev Event) {
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			droppedEventsTotal.Inc()
		}
	}
}

func (e *Entry) snapshot() Entry {
	out := *e
	if e.location != nil {
		out.Value = e.location.Value()
	}
	return out
}

func displayName(a *definition.Activity) string {
	if a == nil {
		return ""
	}
	return a.DisplayName
}
