package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pairroom/host/internal/config"
)

func initConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a commented default config file",
		Long:  "Writes ~/.pairroom/config.toml (or --config). An existing file is left untouched.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				var err error
				if path, err = config.DefaultConfigPath(); err != nil {
					return err
				}
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", path)
			return nil
		},
	}
}
