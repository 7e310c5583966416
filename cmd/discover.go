package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairroom/host/internal/mdns"
)

func discoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List pairroom hosts advertising on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Browsing for %s (%s)...\n", mdns.ServiceType, timeout)
			hosts, err := mdns.Discover(ctx)
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				fmt.Fprintln(out, "No hosts found.")
				return nil
			}
			for _, h := range hosts {
				addr := h.URL
				if addr == "" {
					addr = fmt.Sprintf("http://%s:%d", h.Host, h.Port)
				}
				fmt.Fprintf(out, "  - %s  %s  (protocol %s)\n", h.Name, addr, h.Version)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to browse")
	return cmd
}
