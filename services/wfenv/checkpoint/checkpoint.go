// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint writes host-wide environment checkpoints to files.
//
// A checkpoint is a portable, integrity-checked export of every environment a
// host owns, independent of the BadgerDB store. It is used for backups and
// for moving running instances between hosts.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/wfenv/pkg/validation"
	"github.com/AleutianAI/wfenv/services/wfenv/environment"
)

// Version is the current checkpoint format version.
const Version = "v1.0.0"

var (
	// ErrInvalidInput is returned for missing or malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCorrupt is returned when the stored checksum does not match.
	ErrCorrupt = errors.New("checkpoint checksum mismatch")

	// ErrVersionMismatch is returned when the file's major format version
	// differs from Version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
)

// Checkpoint is the on-disk format.
type Checkpoint struct {
	Host         string                  `json:"host"`
	Timestamp    time.Time               `json:"timestamp"`
	Version      string                  `json:"version"`
	Checksum     string                  `json:"checksum"`
	Environments []*environment.Snapshot `json:"environments"`
}

func computeChecksum(host string, ts time.Time, version string, envs []*environment.Snapshot) (string, error) {
	data := struct {
		Host         string                  `json:"host"`
		Timestamp    time.Time               `json:"timestamp"`
		Version      string                  `json:"version"`
		Environments []*environment.Snapshot `json:"environments"`
	}{host, ts, version, envs}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

// Save writes a checkpoint of envs to path.
//
// Description:
//
//	Writes atomically using a temp file in the target directory, fsync and
//	rename, so a crash never leaves a partial checkpoint at path.
//
// Inputs:
//
//	path - Destination file. The parent directory must exist.
//	host - Name of the exporting host. Must match [a-zA-Z0-9_.-]+.
//	envs - The snapshots to export. May be empty.
//
// Outputs:
//
//	*Checkpoint - The written checkpoint.
//	error - ErrInvalidInput, or a marshal or file error.
func Save(path, host string, envs []*environment.Snapshot) (*Checkpoint, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}
	if err := validation.ValidateIdentifier("host", host); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	for i, snap := range envs {
		if snap == nil {
			return nil, fmt.Errorf("%w: environment %d is nil", ErrInvalidInput, i)
		}
	}
	if envs == nil {
		envs = []*environment.Snapshot{}
	}

	// JSON keeps only what survives a round trip, so the checksum is stable
	// across Save and Load.
	ts := time.Now().UTC().Truncate(time.Millisecond)
	checksum, err := computeChecksum(host, ts, Version, envs)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		Host:         host,
		Timestamp:    ts,
		Version:      Version,
		Checksum:     checksum,
		Environments: envs,
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return nil, fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return nil, fmt.Errorf("rename checkpoint: %w", err)
	}

	success = true
	return cp, nil
}

// Load reads and verifies the checkpoint at path.
//
// Description:
//
//	Accepts any file whose major format version equals Version's, then
//	recomputes the checksum.
//
// Outputs:
//
//	*Checkpoint - The verified checkpoint. Never nil on success.
//	error - ErrVersionMismatch, ErrCorrupt, or a read or parse error.
func Load(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	if !semver.IsValid(cp.Version) || semver.Major(cp.Version) != semver.Major(Version) {
		return nil, fmt.Errorf("%w: got %q, want %s", ErrVersionMismatch, cp.Version, semver.Major(Version))
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Verify recomputes the checksum and compares it to the stored value.
func (c *Checkpoint) Verify() error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidInput)
	}
	expected, err := computeChecksum(c.Host, c.Timestamp, c.Version, c.Environments)
	if err != nil {
		return err
	}
	if c.Checksum != expected {
		return ErrCorrupt
	}
	return nil
}
