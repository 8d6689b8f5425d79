package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/Velora-App/ota_layer/internal/app/registry"
	"github.com/Velora-App/ota_layer/internal/bundleutil"
)

// newHashCmd prints the identity fields the loader would compute for a
// bundle file: the same values end up in the enhanced record after a
// download, so publishers can compare against a running host.
func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <bundle.js>",
		Short: "Print the content hash, full hash, version, and size of a bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			source := string(data)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "content-hash: %s\n", bundleutil.ContentHash(source))
			fmt.Fprintf(out, "full-hash:    %s\n", bundleutil.FullHash(source))
			if v := bundleutil.ExtractVersion(source); v != "" {
				fmt.Fprintf(out, "version:      %s\n", v)
			} else {
				fmt.Fprintf(out, "version:      (none declared)\n")
			}
			fmt.Fprintf(out, "size:         %d bytes\n", len(data))
			return nil
		},
	}
}

// newExecCmd preflights a bundle through a scratch registry, exactly the
// execution a host would run, and reports what the bundle registers.
func newExecCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <bundle.js>",
		Short: "Execute a bundle file in a scratch sandbox and report what it registers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			reg := registry.New(nil, nil)
			if timeout > 0 {
				reg.SetExecTimeout(timeout)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+5*time.Second)
			defer cancel()
			if err := reg.LoadSessionBundle(ctx, string(data), "preflight"); err != nil {
				return fmt.Errorf("bundle execution failed: %w", err)
			}

			result := reg.LastResult()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "screens:  %d\n", result.Screens)
			fmt.Fprintf(out, "services: %d\n", result.Services)
			if result.Version != "" {
				fmt.Fprintf(out, "version:  %s\n", result.Version)
			}
			for _, name := range result.Components {
				fmt.Fprintf(out, "  component %s\n", name)
			}
			for _, line := range result.Logs {
				fmt.Fprintf(out, "  console %s\n", line)
			}
			fmt.Fprintf(out, "duration: %s\n", result.Duration)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "sandbox execution timeout")
	return cmd
}

// newDiffCmd prints a unified diff between two bundle files so a
// publisher can review what actually changed before pushing.
func newDiffCmd() *cobra.Command {
	var contextLines int
	cmd := &cobra.Command{
		Use:   "diff <old.js> <new.js>",
		Short: "Print a unified diff between two bundle files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			oldData, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			newData, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			diff := difflib.UnifiedDiff{
				A:        difflib.SplitLines(string(oldData)),
				B:        difflib.SplitLines(string(newData)),
				FromFile: args[0],
				ToFile:   args[1],
				Context:  contextLines,
			}
			text, err := difflib.GetUnifiedDiffString(diff)
			if err != nil {
				return fmt.Errorf("compute diff: %w", err)
			}
			if text == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "bundles are identical")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().IntVar(&contextLines, "context", 3, "context lines per hunk")
	return cmd
}

// printJSON renders an API response indented for terminal reading.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
