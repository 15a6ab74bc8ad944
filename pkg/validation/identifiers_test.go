// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"order", false},
		{"1.2", false},
		{"node-1", false},
		{"Process_Order", false},
		{strings.Repeat("a", 128), false},

		{"", true},
		{strings.Repeat("a", 129), true},
		{".hidden", true},
		{"-flag", true},
		{"a/b", true},
		{"../etc", true},
		{"two words", true},
		{"order;drop", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateIdentifier("activity id", tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentifier)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	assert.NoError(t, ValidateIdentifiers("host", []string{"a", "b.c"}))
	assert.NoError(t, ValidateIdentifiers("host", nil))

	err := ValidateIdentifiers("host", []string{"ok", "bad/1", "", "fine"})
	require.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.Contains(t, err.Error(), `"bad/1"`)
	assert.NotContains(t, err.Error(), `"ok"`)
}

func TestSanitizeIdentifier(t *testing.T) {
	got, err := SanitizeIdentifier("host", "  node-1\n")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got)

	_, err = SanitizeIdentifier("host", "   ")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}
