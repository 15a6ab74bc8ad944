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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wfenv/pkg/ux"
	"github.com/AleutianAI/wfenv/services/wfenv/environment"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "inspect [ENVIRONMENT_ID]",
		Short: "Show persisted environments",
		Long: `inspect lists the environments stored in a snapshot database, or the slots
of one environment when an id is given. Stop the host first; the database
allows one process at a time.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := opts.openStore(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			p := opts.printer(cmd)
			if len(args) == 1 {
				snap, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printSnapshot(p, snap)
				return nil
			}

			snaps, err := store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshots(p, snaps)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Snapshot database directory (defaults to storage.path)")
	return cmd
}

func printSnapshots(p *ux.Printer, snaps []*environment.Snapshot) {
	p.Title(fmt.Sprintf("%d persisted environments", len(snaps)))
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, []string{
			s.ID,
			orDash(s.DefinitionID),
			orDash(s.ParentID),
			strconv.Itoa(s.SlotCount()),
			strconv.Itoa(len(s.Handles)),
			strconv.Itoa(s.ReferenceCountMinusOne + 1),
			strconv.FormatBool(s.OwnerCompleted),
		})
	}
	p.Table([]string{"ID", "DEFINITION", "PARENT", "SLOTS", "HANDLES", "REFS", "OWNER_DONE"}, rows)
}

func printSnapshot(p *ux.Printer, s *environment.Snapshot) {
	p.Title("Environment " + s.ID)
	p.KeyValue(
		"definition", orDash(s.DefinitionID),
		"parent", orDash(s.ParentID),
		"references", strconv.Itoa(s.ReferenceCountMinusOne+1),
		"owner_completed", strconv.FormatBool(s.OwnerCompleted),
		"mappable", strconv.FormatBool(s.HasMappableLocations),
		"pending_registrations", strconv.Itoa(len(s.PendingRegistrations)),
	)

	slots := s.Slots
	if s.Single != nil {
		slots = []environment.SlotSnapshot{*s.Single}
	}
	rows := make([][]string, 0, len(slots))
	for i, slot := range slots {
		typ, value := "-", "-"
		if loc := slot.Location; loc != nil {
			typ = loc.Type
			switch {
			case loc.Handle != nil:
				value = "handle:" + s.Handles[*loc.Handle].Kind
			case loc.HasValue:
				value = fmt.Sprint(loc.Value)
			}
		}
		rows = append(rows, []string{strconv.Itoa(i), slot.State, typ, value})
	}
	p.Table([]string{"SLOT", "STATE", "TYPE", "VALUE"}, rows)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
