package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairroom/host/internal/server"
)

func statusCmd() *cobra.Command {
	var (
		addr string
		port int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running host",
		Long:  "Queries the /status endpoint of a host running on this machine.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validatePort(port); err != nil {
				return err
			}

			var (
				status *server.StatusResponse
				err    error
			)
			for _, target := range resolveAddrCandidates(addr, port, cmd.Flags().Changed("port"), cmd.ErrOrStderr()) {
				status, err = queryHostStatus(target)
				if err == nil {
					break
				}
			}
			if err != nil {
				return err
			}
			writeHostStatusOutput(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Host address to query (default: localhost, then Tailscale/LAN)")
	cmd.Flags().IntVar(&port, "port", 7070, "Port to query when auto-selecting address")
	return cmd
}

// writeHostStatusOutput renders human-readable host status output.
func writeHostStatusOutput(w io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(w, "Host Status\n")
	fmt.Fprintf(w, "===========\n")
	fmt.Fprintf(w, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(w, "Clients:      %d connected\n", status.ConnectedClients)
	fmt.Fprintf(w, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
	if len(status.Rooms) == 0 {
		fmt.Fprintf(w, "Rooms:        none\n")
		return
	}
	fmt.Fprintf(w, "Rooms:        %d active\n", len(status.Rooms))
	for _, id := range status.Rooms {
		fmt.Fprintf(w, "  - %s\n", id)
	}
}

// queryHostStatus makes an HTTP GET request to the /status endpoint.
func queryHostStatus(addr string) (*server.StatusResponse, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return nil, fmt.Errorf("host is not running at %s (or not reachable)", addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status from %s: %d", addr, resp.StatusCode)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &status, nil
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}
