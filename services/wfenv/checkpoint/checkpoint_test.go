// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wfenv/services/wfenv/definition"
	"github.com/AleutianAI/wfenv/services/wfenv/environment"
	"github.com/AleutianAI/wfenv/services/wfenv/location"
)

func testSnapshots(t *testing.T) []*environment.Snapshot {
	t.Helper()
	a := definition.NewActivity("1", "Order")
	a.AddArgument("customer", "string")
	a.AddVariable("total", "int").Mappable = true
	a.AddVariable("corr", "handle").IsHandle = true
	a.Bind()

	env := environment.New(nil, a, nil, a.SymbolCount())
	env.Declare(a.Reference(0), location.NewWithValue("string", "acme"), nil)
	total := a.Variables[0].CreateLocation()
	total.SetValue(42)
	env.Declare(&a.Variables[0].LocationReference, total, nil)
	h := environment.NewStateHandle("corr")
	h.State["order"] = map[string]any{"id": "o-1", "lines": []any{1, 2}}
	_, err := env.InitializeHandle(nil, &a.Variables[1].LocationReference, h)
	require.NoError(t, err)

	snap, err := env.Snapshot()
	require.NoError(t, err)
	return []*environment.Snapshot{snap}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.json")
	snaps := testSnapshots(t)

	saved, err := Save(path, "host-1", snaps)
	require.NoError(t, err)
	assert.Equal(t, Version, saved.Version)
	require.NoError(t, saved.Verify())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "host-1", loaded.Host)
	assert.Equal(t, saved.Checksum, loaded.Checksum)
	assert.True(t, saved.Timestamp.Equal(loaded.Timestamp))
	require.Len(t, loaded.Environments, 1)
	assert.Equal(t, snaps[0].ID, loaded.Environments[0].ID)

	restored, err := environment.Restore(loaded.Environments[0])
	require.NoError(t, err)
	assert.Equal(t, float64(42), restored.SpecificLocation(1).Value())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestSave_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	_, err := Save(path, "host-1", nil)
	require.NoError(t, err)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.Environments)
}

func TestSave_InvalidInput(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
		host string
		envs []*environment.Snapshot
	}{
		{"empty path", "", "h", nil},
		{"bad host", filepath.Join(dir, "x.json"), "host/1", nil},
		{"empty host", filepath.Join(dir, "x.json"), "", nil},
		{"nil snapshot", filepath.Join(dir, "x.json"), "h", []*environment.Snapshot{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Save(tt.path, tt.host, tt.envs)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	t.Run("missing directory", func(t *testing.T) {
		_, err := Save(filepath.Join(dir, "nope", "x.json"), "h", nil)
		assert.Error(t, err)
	})
}

func rewrite(t *testing.T, path string, mutate func(raw map[string]any)) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	mutate(raw)
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLoad_Rejects(t *testing.T) {
	t.Run("tampered", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cp.json")
		_, err := Save(path, "host-1", testSnapshots(t))
		require.NoError(t, err)
		rewrite(t, path, func(raw map[string]any) { raw["host"] = "host-2" })

		_, err = Load(path)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("newer major version", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cp.json")
		_, err := Save(path, "host-1", nil)
		require.NoError(t, err)
		rewrite(t, path, func(raw map[string]any) { raw["version"] = "v2.0.0" })

		_, err = Load(path)
		assert.ErrorIs(t, err, ErrVersionMismatch)
	})

	t.Run("garbage version", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cp.json")
		_, err := Save(path, "host-1", nil)
		require.NoError(t, err)
		rewrite(t, path, func(raw map[string]any) { raw["version"] = "latest" })

		_, err = Load(path)
		assert.ErrorIs(t, err, ErrVersionMismatch)
	})

	t.Run("not json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cp.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "none.json"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestVerify_Nil(t *testing.T) {
	var cp *Checkpoint
	assert.ErrorIs(t, cp.Verify(), ErrInvalidInput)
}
