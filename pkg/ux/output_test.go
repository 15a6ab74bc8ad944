// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError} {
		assert.Contains(t, icon.Render(), string(icon))
	}
	assert.Equal(t, "→", Icon("→").Render())
}

func TestDetectMode(t *testing.T) {
	assert.Equal(t, ModePlain, DetectMode(&bytes.Buffer{}))

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, ModePlain, DetectMode(f))
}

func TestPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)
	assert.Equal(t, ModePlain, p.Mode())

	p.Title("Environments")
	p.Muted("hint")
	p.Success("saved")
	p.Warning("stale")
	p.Error("corrupt")
	p.KeyValue("id", "e-1", "slots", "3")
	p.Table([]string{"ID", "SLOTS"}, [][]string{{"e-1", "3"}, {"e-2", "1"}})

	want := strings.Join([]string{
		"OK: saved",
		"WARN: stale",
		"ERROR: corrupt",
		"id=e-1",
		"slots=3",
		"ID\tSLOTS",
		"e-1\t3",
		"e-2\t1",
	}, "\n") + "\n"
	assert.Equal(t, want, buf.String())
}

func TestPrinter_Styled(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeStyled)

	p.Title("Environments")
	p.Success("saved")
	p.KeyValue("id", "e-1", "definition", "order")
	p.Table([]string{"ID", "SLOTS"}, [][]string{{"e-1", "3"}})

	out := buf.String()
	assert.Contains(t, out, "Environments")
	assert.Contains(t, out, string(IconSuccess))
	assert.Contains(t, out, "definition")
	assert.Contains(t, out, "order")
	assert.Contains(t, out, "SLOTS")
	assert.Contains(t, out, "e-1")
	assert.Contains(t, out, "╭", "rounded border")
}
