// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ava-labs/rollupcounter/crypto/ed25519"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the signing keypair",
	RunE: func(*cobra.Command, []string) error {
		return ErrMissingSubcommand
	},
}

var ErrMissingSubcommand = errors.New("must specify a subcommand")

var keyGenerateCmd = &cobra.Command{
	Use:   "generate [path]",
	Short: "Create a keypair file and make it the default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(settingsDir, "keypair.json")
		if len(args) == 1 {
			path = args[0]
		}
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists, pass --force to replace it", path)
		}

		priv, err := ed25519.GeneratePrivateKey()
		if err != nil {
			return err
		}
		if err := ed25519.SaveKeypair(path, priv); err != nil {
			return fmt.Errorf("failed to save keypair: %w", err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if err := setConfigValue(keypairKey, abs); err != nil {
			return fmt.Errorf("failed to update settings: %w", err)
		}
		return printValue(cmd, keyResponse{Path: abs, Address: priv.Address().String()})
	},
}

var keyAddressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the address of the default keypair",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := getConfigValue(cmd, keypairKey, false)
		if err != nil {
			return err
		}
		if path == "" {
			return errNoKeypair
		}
		priv, err := ed25519.LoadKeypair(path)
		if err != nil {
			return err
		}
		return printValue(cmd, keyResponse{Path: path, Address: priv.Address().String()})
	},
}

type keyResponse struct {
	Path    string `json:"path"`
	Address string `json:"address"`
}

func (r keyResponse) String() string {
	return fmt.Sprintf("%s (%s)", r.Address, r.Path)
}

func init() {
	keyCmd.AddCommand(keyGenerateCmd, keyAddressCmd)
	keyGenerateCmd.Flags().Bool("force", false, "Replace an existing keypair file")
}
