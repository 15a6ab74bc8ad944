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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wfenv/services/wfenv/config"
	"github.com/AleutianAI/wfenv/services/wfenv/definition"
)

func newDiffCmd(_ *rootOptions) *cobra.Command {
	var activityID string
	cmd := &cobra.Command{
		Use:   "diff OLD.yaml NEW.yaml",
		Short: "Derive the migration map between two schema versions",
		Long: `diff matches the symbols of an activity in two schema files by name and
prints the resulting migration document. The output can be added to a schema
file to pin the map or edited to rename symbols.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			oldSchema, err := config.LoadSchemaFile(args[0])
			if err != nil {
				return err
			}
			newSchema, err := config.LoadSchemaFile(args[1])
			if err != nil {
				return err
			}

			id, err := pickActivity(activityID, oldSchema, newSchema)
			if err != nil {
				return err
			}
			m, err := definition.Diff(oldSchema.Activity(id), newSchema.Activity(id))
			if err != nil {
				return fmt.Errorf("diff activity %s: %w", id, err)
			}
			out, err := config.MarshalMigration(id, m)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&activityID, "activity", "a", "", "Activity id to diff (required when the files share more than one)")
	return cmd
}

// pickActivity returns id when both schemas declare it, or the single
// activity id the schemas share when id is empty.
func pickActivity(id string, oldSchema, newSchema *config.Schema) (string, error) {
	if id != "" {
		if oldSchema.Activity(id) == nil || newSchema.Activity(id) == nil {
			return "", fmt.Errorf("activity %q is not declared in both files", id)
		}
		return id, nil
	}
	var shared []string
	for _, candidate := range oldSchema.IDs() {
		if newSchema.Activity(candidate) != nil {
			shared = append(shared, candidate)
		}
	}
	switch len(shared) {
	case 0:
		return "", fmt.Errorf("the files share no activity")
	case 1:
		return shared[0], nil
	default:
		return "", fmt.Errorf("the files share %d activities %v; pick one with --activity", len(shared), shared)
	}
}
