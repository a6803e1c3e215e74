// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the caldera authentication service.
package main

import (
	"os"

	"github.com/caldera-auth/caldera/cmd/caldera/app"
	"github.com/caldera-auth/caldera/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
