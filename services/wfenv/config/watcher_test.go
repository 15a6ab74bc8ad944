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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DebouncesSchemaChanges(t *testing.T) {
	dir := t.TempDir()
	batches := make(chan []string, 4)

	w, err := NewWatcher(dir, 50*time.Millisecond, func(paths []string) { batches <- paths }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, dir, "order.yaml", "activities:\n  - id: a\n")
	writeFile(t, dir, "order.yaml", "activities:\n  - id: a\n  - id: b\n")
	writeFile(t, dir, "notes.txt", "ignored")

	select {
	case paths := <-batches:
		assert.Equal(t, []string{filepath.Join(dir, "order.yaml")}, paths)
	case <-time.After(5 * time.Second):
		t.Fatal("no schema change delivered")
	}

	select {
	case paths := <-batches:
		t.Fatalf("unexpected extra batch %v", paths)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), 0, func([]string) {}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()), "second start is a no-op")
	w.Stop()
	w.Stop()
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher(t.TempDir(), 0, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	w, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), 0, func([]string) {}, nil)
	require.NoError(t, err)
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()))
}
