// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// "rollupcounter-cli" drives a counter across a base ledger and its rollup.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ava-labs/rollupcounter/utils"
)

const defaultTimeout = 2 * time.Minute

var rootCmd = &cobra.Command{
	Use:          "rollupcounter-cli",
	Short:        "Counter client for a base ledger and its ephemeral rollup",
	SuggestFor:   []string{"rollupcounter", "counter-cli"},
	SilenceUsage: true,
}

func init() {
	cobra.EnablePrefixMatching = true

	flags := rootCmd.PersistentFlags()
	flags.StringP("output", "o", "text", "Output format (text or json)")
	flags.String("config", "", "Path to a YAML config file")
	flags.String("keypair", "", "Path to a keypair file (JSON array of 64 bytes)")
	flags.Bool("confirm", false, "Ask before signing anything")
	flags.String("log-level", "", "Log level shown on stderr (defaults to the config's)")
	flags.Duration("timeout", defaultTimeout, "Give up on the command after this long")

	rootCmd.AddCommand(
		keyCmd,
		endpointCmd,

		healthCmd,
		statusCmd,
		watchCmd,

		initCmd,
		delegateCmd,
		undelegateCmd,
		incrementCmd,
		scheduleCmd,
		driveCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		utils.Errf("{{red}}%v{{/}}\n", err)
		os.Exit(1)
	}
}
