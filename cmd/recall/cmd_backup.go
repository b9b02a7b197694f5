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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/recall/services/organizer/backup"
	"github.com/AleutianAI/recall/services/organizer/config"
)

// backupFlags are shared by backup and restore.
type backupFlags struct {
	bucket string
	prefix string
	dir    string
}

func (f *backupFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bucket, "bucket", "", "GCS bucket name (required)")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Object name prefix inside the bucket")
	cmd.Flags().StringVar(&f.dir, "dir", "", "Schedule directory (default: from config)")
	_ = cmd.MarkFlagRequired("bucket")
}

// scheduleDir resolves the schedule directory from the flag or the config.
func (f *backupFlags) scheduleDir() string {
	if f.dir != "" {
		return f.dir
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg.Scheduler.Dir
}

// newBackupManager builds the GCS manager for the flags.
func newBackupManager(ctx context.Context, f *backupFlags) *backup.Manager {
	mgr, err := backup.New(ctx, backup.Options{Bucket: f.bucket, Prefix: f.prefix})
	if err != nil {
		fatalf("%v", err)
	}
	return mgr
}

// newBackupCmd builds `recall backup`.
func newBackupCmd() *cobra.Command {
	flags := &backupFlags{}
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload the schedule directory to a GCS bucket",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			mgr := newBackupManager(ctx, flags)
			defer func() { _ = mgr.Close() }()

			summary, err := mgr.Backup(ctx, flags.scheduleDir())
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%s %d schedules (%d bytes) in %s\n",
				successStyle.Render("Backed up"), summary.Objects, summary.Bytes, summary.Duration.Round(time.Millisecond))
		},
	}
	flags.register(cmd)
	return cmd
}

// newRestoreCmd builds `recall restore`.
func newRestoreCmd() *cobra.Command {
	flags := &backupFlags{}
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Download backed-up schedules into the schedule directory",
		Long: `Download backed-up schedules into the schedule directory.

The organizer server must not be running: the scheduler holds an exclusive
lock on the directory, and a restore underneath a live server would be
overwritten by the next review anyway.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			mgr := newBackupManager(ctx, flags)
			defer func() { _ = mgr.Close() }()

			summary, err := mgr.Restore(ctx, flags.scheduleDir())
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%s %d schedules (%d bytes) in %s\n",
				successStyle.Render("Restored"), summary.Objects, summary.Bytes, summary.Duration.Round(time.Millisecond))
		},
	}
	flags.register(cmd)
	return cmd
}
