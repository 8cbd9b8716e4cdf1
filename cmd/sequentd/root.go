// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package main

import (
	"github.com/spf13/cobra"
)

// configFile is the global --config flag shared by every subcommand.
var configFile string

// NewRootCmd creates the root command for the sequentd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequentd",
		Short: "sequentdb subscription runtime",
		Long: `sequentd runs the durable, ordered, at-least-once subscription
runtime over a PostgreSQL-backed event store.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
