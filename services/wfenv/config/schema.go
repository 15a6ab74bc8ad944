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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/wfenv/pkg/validation"
	"github.com/AleutianAI/wfenv/services/wfenv/definition"
)

// ErrInvalidSchema wraps every schema document failure.
var ErrInvalidSchema = errors.New("invalid schema document")

// =============================================================================
// Documents
// =============================================================================

// SymbolDocument declares one argument or variable.
type SymbolDocument struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	Type      string `yaml:"type" json:"type" validate:"required"`
	Direction string `yaml:"direction,omitempty" json:"direction,omitempty" validate:"omitempty,oneof=in out inout"`
	Mappable  bool   `yaml:"mappable,omitempty" json:"mappable,omitempty"`
	Handle    bool   `yaml:"handle,omitempty" json:"handle,omitempty"`
	Default   any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// ActivityDocument declares one version of an activity's symbols.
//
//	id: "1.2"
//	name: ProcessOrder
//	arguments:
//	  - {name: order, type: Order, direction: in}
//	variables:
//	  - {name: total, type: int, mappable: true, default: 0}
//	private_variables:
//	  - {name: cursor, type: int}
type ActivityDocument struct {
	ID                string           `yaml:"id" json:"id" validate:"required"`
	Name              string           `yaml:"name,omitempty" json:"name,omitempty"`
	Arguments         []SymbolDocument `yaml:"arguments,omitempty" json:"arguments,omitempty" validate:"dive"`
	Variables         []SymbolDocument `yaml:"variables,omitempty" json:"variables,omitempty" validate:"dive"`
	PrivateVariables  []SymbolDocument `yaml:"private_variables,omitempty" json:"private_variables,omitempty" validate:"dive"`
	DelegateArguments []SymbolDocument `yaml:"delegate_arguments,omitempty" json:"delegate_arguments,omitempty" validate:"dive"`
}

// Build validates the document and returns the bound activity.
func (d *ActivityDocument) Build() (*definition.Activity, error) {
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("%w: activity %q: %w", ErrInvalidSchema, d.ID, err)
	}
	if err := validation.ValidateIdentifier("activity id", d.ID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	for category, symbols := range map[string][]SymbolDocument{
		definition.CategoryArguments:        d.Arguments,
		definition.CategoryVariables:        d.Variables,
		definition.CategoryPrivateVariables: d.PrivateVariables,
		"delegate_arguments":                d.DelegateArguments,
	} {
		seen := make(map[string]bool, len(symbols))
		for _, s := range symbols {
			if seen[s.Name] {
				return nil, fmt.Errorf("%w: activity %q: duplicate %s name %q", ErrInvalidSchema, d.ID, category, s.Name)
			}
			seen[s.Name] = true
		}
	}

	name := d.Name
	if name == "" {
		name = d.ID
	}
	a := definition.NewActivity(d.ID, name)
	for _, s := range d.Arguments {
		a.AddArgument(s.Name, s.Type).Direction = s.Direction
	}
	for _, s := range d.Variables {
		applyVariable(a.AddVariable(s.Name, s.Type), s)
	}
	for _, s := range d.PrivateVariables {
		applyVariable(a.AddImplementationVariable(s.Name, s.Type), s)
	}
	for _, s := range d.DelegateArguments {
		a.AddDelegateArgument(s.Name, s.Type)
	}
	return a.Bind(), nil
}

func applyVariable(v *definition.Variable, s SymbolDocument) {
	v.Mappable = s.Mappable
	v.IsHandle = s.Handle
	v.Default = s.Default
}

// MigrationDocument carries an explicit migration map for an activity,
// overriding the one derived by name.
type MigrationDocument struct {
	Activity string                  `yaml:"activity" json:"activity" validate:"required"`
	Map      definition.MigrationMap `yaml:"map" json:"map"`
}

// ToMap validates and returns the migration map.
func (d *MigrationDocument) ToMap() (*definition.MigrationMap, error) {
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("%w: migration: %w", ErrInvalidSchema, err)
	}
	m := d.Map
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: migration for %q: %w", ErrInvalidSchema, d.Activity, err)
	}
	return &m, nil
}

// SchemaDocument is the top level of a schema file.
type SchemaDocument struct {
	Activities []ActivityDocument  `yaml:"activities,omitempty" json:"activities,omitempty" validate:"dive"`
	Migrations []MigrationDocument `yaml:"migrations,omitempty" json:"migrations,omitempty" validate:"dive"`
}

// UpdateDocument requests a dynamic update to a new activity version. A nil
// Map is derived by name from the running version.
type UpdateDocument struct {
	Activity ActivityDocument         `yaml:"activity" json:"activity"`
	Map      *definition.MigrationMap `yaml:"map,omitempty" json:"map,omitempty"`
	Resume   bool                     `yaml:"resume,omitempty" json:"resume,omitempty"`
}

// =============================================================================
// Schema
// =============================================================================

// Schema is a set of bound activities plus explicit migrations, keyed by
// activity id.
type Schema struct {
	Activities map[string]*definition.Activity
	Migrations map[string]*definition.MigrationMap

	// Sources maps activity ids to the file that declared them.
	Sources map[string]string
}

func newSchema() *Schema {
	return &Schema{
		Activities: make(map[string]*definition.Activity),
		Migrations: make(map[string]*definition.MigrationMap),
		Sources:    make(map[string]string),
	}
}

// Activity returns the activity with id, or nil.
func (s *Schema) Activity(id string) *definition.Activity {
	return s.Activities[id]
}

// Migration returns the explicit migration for id, or nil.
func (s *Schema) Migration(id string) *definition.MigrationMap {
	return s.Migrations[id]
}

// IDs returns the activity ids in sorted order.
func (s *Schema) IDs() []string {
	ids := make([]string, 0, len(s.Activities))
	for id := range s.Activities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParseSchema parses one schema document. source names it in errors.
func ParseSchema(data []byte, source string) (*Schema, error) {
	var doc SchemaDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, source, err)
	}
	s := newSchema()
	if err := s.add(&doc, source); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) add(doc *SchemaDocument, source string) error {
	for i := range doc.Activities {
		a, err := doc.Activities[i].Build()
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		if prev, dup := s.Sources[a.ID]; dup {
			return fmt.Errorf("%w: activity %q declared in %s and %s", ErrInvalidSchema, a.ID, prev, source)
		}
		s.Activities[a.ID] = a
		s.Sources[a.ID] = source
	}
	for i := range doc.Migrations {
		m, err := doc.Migrations[i].ToMap()
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		s.Migrations[doc.Migrations[i].Activity] = m
	}
	return nil
}

// LoadSchemaFile reads one schema file.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data, path)
}

// LoadSchemaDir reads every *.yaml and *.yml file in dir, in name order.
// An activity id declared by two files is an error.
func LoadSchemaDir(dir string) (*Schema, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	s := newSchema()
	for _, e := range entries {
		if e.IsDir() || !IsSchemaFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		var doc SchemaDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, path, err)
		}
		if err := s.add(&doc, path); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// IsSchemaFile reports whether name has a schema file extension.
func IsSchemaFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// MarshalMigration renders m as a migration document for activityID.
func MarshalMigration(activityID string, m *definition.MigrationMap) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil migration map", ErrInvalidSchema)
	}
	doc := SchemaDocument{
		Migrations: []MigrationDocument{{Activity: activityID, Map: *m}},
	}
	return yaml.Marshal(doc)
}
