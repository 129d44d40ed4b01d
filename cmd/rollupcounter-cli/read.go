// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ava-labs/rollupcounter/client"
	"github.com/ava-labs/rollupcounter/delegation"
	"github.com/ava-labs/rollupcounter/event"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/server"
	"github.com/ava-labs/rollupcounter/synchronizer"
	"github.com/ava-labs/rollupcounter/utils"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that both endpoints answer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		signer, err := loadSigner(cmd, true)
		if err != nil {
			return err
		}
		log, closeLog, err := newLogger(cmd, cfg)
		if err != nil {
			return err
		}
		defer closeLog()
		// Not started: only the probes run.
		s, err := client.New(log, cfg, signer)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()
		report, checkErr := s.Monitor.CheckAll(ctx)
		resp := healthResponse{}
		for id, status := range report {
			resp[id.String()] = status.String()
		}
		if err := printValue(cmd, resp); err != nil {
			return err
		}
		return checkErr
	},
}

type healthResponse map[string]string

func (r healthResponse) String() string {
	var b strings.Builder
	for _, id := range ledger.All {
		fmt.Fprintf(&b, "%-7s %s\n", id, r[id.String()])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the delegation phase and the counter on both ledgers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, cleanup, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := commandContext(cmd)
		defer cancel()
		status, err := s.Status(ctx)
		if status == nil {
			return err
		}
		return printValue(cmd, statusResponse{server.NewStatusReply(status, err)})
	},
}

type statusResponse struct {
	*server.StatusReply
}

func (r statusResponse) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase   %s\n", r.Phase)
	for _, id := range ledger.All {
		ls := r.Ledgers[id.String()]
		switch {
		case ls.Error != "":
			fmt.Fprintf(&b, "%-7s %s error=%s\n", id, ls.Health, ls.Error)
		case !ls.Found:
			fmt.Fprintf(&b, "%-7s %s absent\n", id, ls.Health)
		default:
			fmt.Fprintf(&b, "%-7s %s count=%d owner=%s slot=%d\n", id, ls.Health, ls.Count, ls.Owner, ls.Slot)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream counter updates and phase changes until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, cleanup, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer cleanup()

		addr, err := cmd.Flags().GetString("metrics-addr")
		if err != nil {
			return err
		}
		if addr != "" {
			srv, err := serve(s, addr)
			if err != nil {
				return err
			}
			defer srv.Shutdown()
		}

		ctx := cmd.Context()
		transitions := event.NewChannel[delegation.Transition](16)
		unsubscribe := s.Machine.Subscribe(transitions)
		defer unsubscribe()

		baseC := s.Syncs[ledger.Base].Observe(ctx)
		rollupC := s.Syncs[ledger.Rollup].Observe(ctx)
		utils.Outf("{{cyan}}watching{{/}} %s phase=%s\n", s.Program.CounterAddress(), s.Machine.Phase())
		for {
			select {
			case <-ctx.Done():
				return nil
			case t := <-transitions.C():
				utils.Outf("{{yellow}}phase{{/}} %s -> %s (%s)\n", t.From, t.To, t.Reason)
			case snap, ok := <-baseC:
				if !ok {
					return nil
				}
				printSnapshot(snap)
			case snap, ok := <-rollupC:
				if !ok {
					return nil
				}
				printSnapshot(snap)
			}
		}
	},
}

func printSnapshot(snap synchronizer.Snapshot) {
	if !snap.Found {
		utils.Outf("{{magenta}}%s{{/}} slot=%d absent\n", snap.Ledger, snap.Slot)
		return
	}
	utils.Outf("{{magenta}}%s{{/}} slot=%d count={{bold}}%d{{/}} owner=%s\n", snap.Ledger, snap.Slot, snap.Count, snap.Owner)
}

// serve exposes metrics and status on [addr] until shut down.
func serve(s *client.Session, addr string) (*server.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := server.New("", s.Log(), listener, server.DefaultHTTPConfig(), []string{"*"}, server.DefaultShutdownTimeout)
	status, err := server.NewHandler(server.NewStatusService(s), server.StatusName)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	srv.AddRoute(status, "ext", "/status")
	srv.AddRoute(server.NewMetricsHandler(s.Registry), "ext", "/metrics")
	go func() {
		if err := srv.Dispatch(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Errf("{{red}}server stopped: %v{{/}}\n", err)
		}
	}()
	utils.Outf("{{cyan}}serving{{/}} http://%s/ext/metrics and /ext/status\n", srv.Addr())
	return srv, nil
}

func init() {
	watchCmd.Flags().String("metrics-addr", "", "Serve metrics and status on this address, e.g. 127.0.0.1:9650")
}
