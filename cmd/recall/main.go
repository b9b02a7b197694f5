// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command recall is the CLI companion to the organizer server.
//
// Most commands talk HTTP to a running organizer; backup, restore and
// index administration work directly against the configured stores.
//
// Usage:
//
//	recall route "The Krebs cycle oxidizes acetyl-CoA..."
//	recall ingest batch.json
//	recall folders
//	recall due
//	recall review
//	recall plan
//	recall reconcile
//	recall backup --bucket my-bucket
//	recall restore --bucket my-bucket
//	recall index init
//	recall index wipe --yes
//
// The server address comes from --server or RECALL_SERVER and defaults to
// http://localhost:8085.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Persistent flag values.
var (
	serverURL  string
	configPath string
)

// rootCmd is the recall entry point.
var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Study-snippet organizer CLI",
	Long: `recall organizes captured study snippets into folders and drives
spaced-repetition reviews against a running organizer server.`,
	SilenceUsage: true,
}

func init() {
	defaultServer := os.Getenv("RECALL_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8085"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "Organizer server base URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("RECALL_CONFIG"), "YAML config for local commands (backup, restore, index)")

	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newRouteCmd())
	rootCmd.AddCommand(newFoldersCmd())
	rootCmd.AddCommand(newDueCmd())
	rootCmd.AddCommand(newReviewCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newBackupCmd())
	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newIndexCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

// fatalf prints an error in the CLI's error style and exits.
func fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprint(os.Stderr, errorStyle.Render("Error: ")+msg)
	os.Exit(1)
}
