// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ava-labs/rollupcounter/ledger"
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Print the endpoints in use",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		resp := endpointResponse{}
		for _, id := range ledger.All {
			resp[id.String()] = cfg.Ledger(id).Endpoint()
		}
		return printValue(cmd, resp)
	},
}

type endpointResponse map[string]ledger.Endpoint

func (r endpointResponse) String() string {
	var b strings.Builder
	for _, id := range ledger.All {
		e, ok := r[id.String()]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%-7s rpc=%s ws=%s\n", id, e.RPC, e.WS)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

var endpointSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Save the endpoint of one ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rawLedger, err := cmd.Flags().GetString("ledger")
		if err != nil {
			return err
		}
		id, err := ledger.Parse(rawLedger)
		if err != nil {
			return err
		}
		rpc, err := cmd.Flags().GetString("rpc")
		if err != nil {
			return err
		}
		ws, err := cmd.Flags().GetString("ws")
		if err != nil {
			return err
		}
		if ws == "" {
			ws, err = ledger.DeriveWS(rpc)
			if err != nil {
				return err
			}
		}
		e := ledger.Endpoint{RPC: rpc, WS: ws}
		if err := e.Validate(); err != nil {
			return err
		}
		if err := setConfigValue(endpointKey(id.String(), "rpc"), rpc); err != nil {
			return fmt.Errorf("failed to update settings: %w", err)
		}
		if err := setConfigValue(endpointKey(id.String(), "ws"), ws); err != nil {
			return fmt.Errorf("failed to update settings: %w", err)
		}
		return printValue(cmd, endpointResponse{id.String(): e})
	},
}

func init() {
	endpointCmd.AddCommand(endpointSetCmd)
	endpointSetCmd.Flags().String("ledger", ledger.Rollup.String(), "Ledger to configure (base or rollup)")
	endpointSetCmd.Flags().String("rpc", "", "JSON-RPC URL")
	endpointSetCmd.Flags().String("ws", "", "Websocket URL (derived from --rpc when empty)")

	if err := endpointSetCmd.MarkFlagRequired("rpc"); err != nil {
		log.Fatalf("failed to mark rpc flag as required: %s", err)
	}
}
