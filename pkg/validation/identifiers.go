// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for identifiers that end up
// in storage keys, file names and log fields.
//
// Activity ids and host names are written verbatim into snapshot keys and
// checkpoint files, so both are restricted to a path-safe alphabet.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is wrapped by every validation failure.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// identifierPattern allows letters, digits, dots, underscores and hyphens,
// starting with a letter or digit. Max length: 128 characters.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// ValidateIdentifier checks that id is a path-safe identifier.
//
// Valid identifiers:
//   - 1-128 characters
//   - Letters, digits, dots (1.2), underscores and hyphens (node-1)
//   - First character a letter or digit
//
// Example:
//
//	if err := validation.ValidateIdentifier("host", name); err != nil {
//	    return err
//	}
func ValidateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidIdentifier, kind)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q (must be 1-128 letters, digits, dots, underscores or hyphens)", ErrInvalidIdentifier, kind, id)
	}
	return nil
}

// ValidateIdentifiers validates every id and lists all invalid ones.
func ValidateIdentifiers(kind string, ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(kind, id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %s values %q", ErrInvalidIdentifier, kind, invalid)
	}
	return nil
}

// SanitizeIdentifier trims surrounding whitespace and validates the result.
func SanitizeIdentifier(kind, id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(kind, trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
