// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caldera-auth/caldera/pkg/config"
	"github.com/caldera-auth/caldera/pkg/logger"
	"github.com/caldera-auth/caldera/pkg/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := postgres.RunMigrations(cmd.Context(), cfg.Database.PrimaryURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	},
}
