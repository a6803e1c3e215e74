// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the caldera command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caldera-auth/caldera/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "caldera",
	DisableAutoGenTag: true,
	Short:             "Authentication and authorization service",
	Long: `caldera issues, validates, and revokes JWT credentials for principals,
publishes its verification keys as a JWKS document, and guards itself with
rate limiting and load-shedding backpressure.`,
}

// NewRootCmd creates the root command for the caldera CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	return rootCmd
}
