// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command session-relay keeps one messaging account logged in, forwards its
// inbound messages to a webhook and exposes an HTTP API for sending.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// A missing .env file is fine; the process environment is used as is.
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "session-relay",
		Short:         "Single-account messaging session relay",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	api := &apiFlags{}
	root.PersistentFlags().StringVar(&api.url, "url", envOr("RELAY_URL", "http://127.0.0.1:29330"), "relay API base URL")
	root.PersistentFlags().StringVar(&api.token, "token", os.Getenv("RELAY_API_TOKEN"), "relay API bearer token")
	root.PersistentFlags().StringVar(&api.instance, "instance", "", "instance name (default: the relay's own)")

	root.AddCommand(
		serveCmd(),
		statusCmd(api),
		qrCmd(api),
		sendCmd(api),
		sendImageCmd(api),
		logoutCmd(api),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
