// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-intercom relays messages between linked channels of
// different Mattermost teams. Team admins link channel pairs with chat
// commands; a link only exists once the other side confirmed it.
package main

import (
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	Name        = "mattermost-intercom"
	URL         = "https://github.com/aiku/mattermost-intercom"
	Description = "A channel linking relay for Mattermost teams"
	Version     = "0.1.0"
)

var (
	configPath string
	noUpdate   bool
)

var rootCmd = &cobra.Command{
	Use:   Name,
	Short: Description,
	Example: `mattermost-intercom -c config.yaml
mattermost-intercom migrate -c config.yaml
mattermost-intercom version`,
	SilenceUsage: true,
	RunE:         runBridge,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&noUpdate, "no-update", "n", false, "don't save the upgraded config to disk")
	rootCmd.AddCommand(runCmd(), migrateCmd(), versionCmd())
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	cobra.EnableCommandSorting = false
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
