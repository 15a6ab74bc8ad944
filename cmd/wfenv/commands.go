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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/wfenv/pkg/ux"
	"github.com/AleutianAI/wfenv/services/wfenv/config"
	"github.com/AleutianAI/wfenv/services/wfenv/storage/badger"
)

// rootOptions carries the persistent flags.
type rootOptions struct {
	configPath string
	plain      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "wfenv",
		Short: "Workflow environment host",
		Long: `wfenv hosts the variable environments of running workflow instances,
applies dynamic updates to them and persists them across restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&opts.plain, "plain", false, "Disable styled output")

	root.AddCommand(
		newServeCmd(opts),
		newDiffCmd(opts),
		newInspectCmd(opts),
		newCheckpointCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	return config.Load(o.configPath)
}

func (o *rootOptions) printer(cmd *cobra.Command) *ux.Printer {
	out := cmd.OutOrStdout()
	if o.plain {
		return ux.NewPrinter(out, ux.ModePlain)
	}
	return ux.NewPrinter(out, ux.DetectMode(out))
}

// openStore opens the snapshot database at path, or the configured one when
// path is empty. Background GC is off for one-shot commands.
func (o *rootOptions) openStore(path string) (*badger.DB, *badger.SnapshotStore, error) {
	var cfg badger.Config
	if path != "" {
		cfg = badger.DefaultConfig(path)
	} else {
		loaded, err := o.loadConfig()
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded.Storage
	}
	cfg.GCInterval = 0

	db, err := badger.OpenDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	return db, badger.NewSnapshotStore(db, nil), nil
}
