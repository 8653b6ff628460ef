// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jllopis/forge/pkg/telemetry"
)

// newMCPCmd serves the capability tools over stdio. Logs go to stderr so
// stdout carries only protocol traffic.
func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the capability tools as an MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			a, err := newApp(cmd.Context(), cfg, log, nil)
			if err != nil {
				return err
			}
			defer a.close()
			log.Info("mcp.stdio.started", slog.String("name", cfg.MCP.Name))
			return a.mcp.ServeStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
