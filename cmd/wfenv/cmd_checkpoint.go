// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wfenv/services/wfenv/checkpoint"
)

func newCheckpointCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Export, verify and import environment checkpoints",
	}

	var dbPath, hostName string
	save := &cobra.Command{
		Use:   "save FILE",
		Short: "Write every persisted environment to a checkpoint file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hostName == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				hostName = cfg.Server.HostName
			}
			db, store, err := opts.openStore(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			snaps, err := store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			cp, err := checkpoint.Save(args[0], hostName, snaps)
			if err != nil {
				return err
			}
			opts.printer(cmd).Success(fmt.Sprintf("saved %d environments to %s", len(cp.Environments), args[0]))
			return nil
		},
	}
	save.Flags().StringVar(&dbPath, "db", "", "Snapshot database directory (defaults to storage.path)")
	save.Flags().StringVar(&hostName, "host", "", "Host name recorded in the checkpoint (defaults to server.host_name)")

	verify := &cobra.Command{
		Use:   "verify FILE",
		Short: "Check a checkpoint's version and checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			p.Success("checkpoint is valid")
			p.KeyValue(
				"host", cp.Host,
				"version", cp.Version,
				"timestamp", cp.Timestamp.Format(time.RFC3339),
				"environments", fmt.Sprint(len(cp.Environments)),
				"checksum", cp.Checksum,
			)
			return nil
		},
	}

	var importDB string
	restore := &cobra.Command{
		Use:   "import FILE",
		Short: "Replace the snapshot database contents with a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			db, store, err := opts.openStore(importDB)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Replace(cmd.Context(), cp.Environments...); err != nil {
				return err
			}
			opts.printer(cmd).Success(fmt.Sprintf("imported %d environments from %s", len(cp.Environments), cp.Host))
			return nil
		},
	}
	restore.Flags().StringVar(&importDB, "db", "", "Snapshot database directory (defaults to storage.path)")

	cmd.AddCommand(save, verify, restore)
	return cmd
}
