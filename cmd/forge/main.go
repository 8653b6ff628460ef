// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the forge CLI.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jllopis/forge/pkg/config"
	"github.com/jllopis/forge/pkg/errors"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	sets       []string
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.LoadWithOverrides(o.configPath, o.sets)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "forge",
		Short: "Generate, validate and run agent capabilities",
		Long: `forge turns natural-language capability requests into validated code,
registers them without a restart and streams agent sessions that use them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("FORGE_CONFIG"), "config file (YAML)")
	root.PersistentFlags().StringArrayVar(&opts.sets, "set", nil, "override a config key, e.g. --set session.max_steps=10")

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the forge version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "forge %s\n", version)
			return err
		},
	}
}

// printError writes err with its code when it carries one.
func printError(w io.Writer, err error) {
	var fe *errors.ForgeError
	if stderrors.As(err, &fe) {
		fmt.Fprintf(w, "Error [%s]: %s\n", fe.Code, fe.Message)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
