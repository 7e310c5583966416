// Package main is the pairroom command line: it runs the host and offers a
// few local helpers for operators.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run executes the CLI with args (including the program name) and returns
// the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "pairroom",
		Short: "pairroom - shared project rooms with chat, an AI participant and live previews",
		Long: `pairroom hosts project rooms. Members connect over WebSocket, chat,
address the assistant with @ai, share a file tree and run it in a sandbox
to get a preview URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.pairroom/config.toml)")

	root.AddCommand(
		serveCmd(&configPath),
		statusCmd(),
		initConfigCmd(&configPath),
		tokenCmd(&configPath),
		inviteCmd(&configPath),
		discoverCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pairroom %s\n", Version)
			return nil
		},
	}
}
