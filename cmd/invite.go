package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/pairroom/host/internal/config"
)

func inviteCmd(configPath *string) *cobra.Command {
	var (
		baseURL string
		noQR    bool
	)

	cmd := &cobra.Command{
		Use:   "invite <project-id>",
		Short: "Print a join link and QR code for a project room",
		Long: `Prints the link other members use to open a project room. Joining still
requires an account that belongs to the project.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if _, err := uuid.Parse(projectID); err != nil {
				return fmt.Errorf("invalid project id %q", args[0])
			}

			if baseURL == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				baseURL = inviteBaseURL(cfg)
			}

			link := joinLink(baseURL, projectID)
			out := cmd.OutOrStdout()
			if noQR {
				displayInvite(out, link, projectID, baseURL)
				return nil
			}
			displayInviteQR(out, link, projectID, baseURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "Host base URL to share (default: public_url, then LAN address)")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "Print the link without a QR code")
	return cmd
}

// inviteBaseURL picks the URL other machines can reach this host on.
func inviteBaseURL(cfg *config.Config) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/")
	}
	port := portOf(cfg.Addr)
	host := preferredOutboundIP()
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// joinLink builds the pairroom://join link encoded in invites.
func joinLink(baseURL, projectID string) string {
	return fmt.Sprintf("pairroom://join?host=%s&project=%s", url.QueryEscape(baseURL), projectID)
}

func displayInvite(w io.Writer, link, projectID, baseURL string) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         ROOM INVITE")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintf(w, "  Project: %s\n", projectID)
	fmt.Fprintf(w, "  Host:    %s\n", baseURL)
	fmt.Fprintf(w, "  Link:    %s\n", link)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// displayInviteQR shows the join link as a QR code with a plain-text
// fallback.
func displayInviteQR(w io.Writer, link, projectID, baseURL string) {
	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Falling back to text display.\n")
		displayInvite(w, link, projectID, baseURL)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO JOIN")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintf(w, "  Project: %s\n", projectID)
	fmt.Fprintf(w, "  Host:    %s\n", baseURL)
	fmt.Fprintf(w, "  Link:    %s\n", link)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}
