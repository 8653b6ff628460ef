// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/validator"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check capability source against the safety policy",
		Long: `validate runs the same static checks the generator applies before
registration. Use "-" to read the source from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			policy, err := loadPolicy(cfg.Policy.File)
			if err != nil {
				return err
			}
			code, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			res := validator.New(policy).Validate(string(code))
			if err := printResult(cmd.OutOrStdout(), args[0], res, asJSON); err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func readSource(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("read %s", path), err)
	}
	return data, nil
}

func printResult(w io.Writer, name string, res validator.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Accepted {
		_, err := fmt.Fprintf(w, "%s: accepted\n", name)
		return err
	}
	fmt.Fprintf(w, "%s: rejected (%s)\n", name, res.Kind)
	for _, v := range res.Reasons {
		fmt.Fprintf(w, "  - %s\n", v)
	}
	return nil
}
