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
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/recall/services/organizer/config"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// newIndexCmd builds `recall index` with init and wipe subcommands. Both
// talk to weaviate directly; the memory backend has no state outside a
// running server process.
func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Administer the vector index backend",
	}
	cmd.AddCommand(newIndexInitCmd())
	cmd.AddCommand(newIndexWipeCmd())
	return cmd
}

// loadWeaviate builds the weaviate index from the config, rejecting the
// memory backend.
func loadWeaviate() *vectorindex.WeaviateIndex {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if cfg.Index.Backend != "weaviate" {
		fatalf("index backend is %q; only the weaviate backend has state to administer", cfg.Index.Backend)
	}

	index, err := vectorindex.NewWeaviateIndex(vectorindex.WeaviateOptions{
		Scheme:     cfg.Index.Weaviate.Scheme,
		Host:       cfg.Index.Weaviate.Host,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		fatalf("%v", err)
	}
	return index
}

// newIndexInitCmd builds `recall index init`.
func newIndexInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vector index collections",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			index := loadWeaviate()
			if err := index.Initialize(ctx); err != nil {
				fatalf("%v", err)
			}
			fmt.Println(successStyle.Render("Index collections ready."))
		},
	}
}

// newIndexWipeCmd builds `recall index wipe`.
func newIndexWipeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every collection and all stored vectors",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if !yes {
				if !colorEnabled {
					fatalf("refusing to wipe without --yes; this deletes every stored concept and folder")
				}
				confirmed := false
				form := huh.NewForm(huh.NewGroup(
					huh.NewConfirm().
						Title("Wipe the vector index?").
						Description("This deletes every stored concept and folder. Schedules are kept.").
						Value(&confirmed),
				))
				if err := form.Run(); err != nil {
					fatalf("%v", err)
				}
				if !confirmed {
					fmt.Println("Aborted.")
					return
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			index := loadWeaviate()
			if err := index.Wipe(ctx); err != nil {
				fatalf("%v", err)
			}
			fmt.Println(warnStyle.Render("Index wiped.") + " Run `recall index init` before routing again.")
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the wipe")
	return cmd
}
