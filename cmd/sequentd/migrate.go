// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sequentdb/sequentdb/internal/config"
	"github.com/sequentdb/sequentdb/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply (or, with --down, roll back one step of) the subscription runtime's schema migrations.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, down)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recently applied migration instead of applying pending ones")

	return cmd
}

func runMigrate(cmd *cobra.Command, down bool) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}

	cmd.Println("connecting to database...")
	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return oops.Code("MIGRATOR_BUILD_FAILED").Wrap(err)
	}
	defer func() { _ = migrator.Close() }()

	if down {
		cmd.Println("rolling back one migration...")
		if err := migrator.Steps(-1); err != nil {
			return oops.Code("MIGRATION_DOWN_FAILED").Wrap(err)
		}
		cmd.Println("rollback complete")
		return nil
	}

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return oops.Code("MIGRATION_STATUS_FAILED").Wrap(err)
	}
	if len(pending) == 0 {
		cmd.Println("database is already up to date")
		return nil
	}

	cmd.Printf("applying %d pending migration(s): %v\n", len(pending), pending)
	if err := migrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").Wrap(err)
	}
	cmd.Println("migrations complete")
	return nil
}
