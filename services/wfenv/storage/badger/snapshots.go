// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/wfenv/services/wfenv/environment"
)

const envPrefix = "env/"

func envKey(id string) []byte {
	return []byte(envPrefix + id)
}

// SnapshotStore stores environment snapshots keyed by environment id.
//
// Thread Safety: Safe for concurrent use.
type SnapshotStore struct {
	db     *DB
	logger *slog.Logger
}

// NewSnapshotStore wraps db. A nil logger uses slog.Default().
func NewSnapshotStore(db *DB, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{db: db, logger: logger.With(slog.String("component", "snapshot_store"))}
}

// Save writes snaps in one transaction, overwriting existing ids.
func (s *SnapshotStore) Save(ctx context.Context, snaps ...*environment.Snapshot) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putAll(txn, snaps)
	})
}

// Replace removes every stored snapshot and writes snaps, in one
// transaction. Used to persist a whole host so disposed environments do not
// linger.
func (s *SnapshotStore) Replace(ctx context.Context, snaps ...*environment.Snapshot) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		keys, err := collectKeys(txn)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		return putAll(txn, snaps)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("snapshots replaced", slog.Int("count", len(snaps)))
	return nil
}

func putAll(txn *badger.Txn, snaps []*environment.Snapshot) error {
	for _, snap := range snaps {
		if snap == nil {
			return ErrNilSnapshot
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
		}
		if err := txn.Set(envKey(snap.ID), data); err != nil {
			return fmt.Errorf("write snapshot %s: %w", snap.ID, err)
		}
	}
	return nil
}

func collectKeys(txn *badger.Txn) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(envPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

// Load returns the snapshot stored for id.
//
// Outputs:
//
//	*environment.Snapshot - The snapshot.
//	error - ErrNotFound when id is unknown.
func (s *SnapshotStore) Load(ctx context.Context, id string) (*environment.Snapshot, error) {
	var snap *environment.Snapshot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(envKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", id, err)
		}
		snap, err = decode(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadAll returns every stored snapshot in key order.
func (s *SnapshotStore) LoadAll(ctx context.Context) ([]*environment.Snapshot, error) {
	var snaps []*environment.Snapshot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(envPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			snap, err := decode(it.Item())
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// Delete removes the snapshot for id. Deleting an unknown id is not an error.
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(envKey(id))
	})
}

// Count returns the number of stored snapshots.
func (s *SnapshotStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		keys, err := collectKeys(txn)
		n = len(keys)
		return err
	})
	return n, err
}

func decode(item *badger.Item) (*environment.Snapshot, error) {
	var snap environment.Snapshot
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", item.Key(), err)
	}
	return &snap, nil
}
