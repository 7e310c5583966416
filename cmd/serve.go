package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pairroom/host/internal/auth"
	"github.com/pairroom/host/internal/config"
	"github.com/pairroom/host/internal/llm"
	"github.com/pairroom/host/internal/logging"
	"github.com/pairroom/host/internal/mdns"
	"github.com/pairroom/host/internal/mediator"
	"github.com/pairroom/host/internal/sandbox"
	"github.com/pairroom/host/internal/server"
	"github.com/pairroom/host/internal/storage"
)

// tokenPurgeInterval is how often expired revocations are dropped.
const tokenPurgeInterval = time.Hour

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

// serveFlags are the command-line overrides for serve. Empty values leave
// the config file (or its defaults) in charge.
type serveFlags struct {
	Addr     string
	Database string
	LogLevel string
	LogFile  string
	EnvFile  string
	Mdns     bool
}

func serveCmd(configPath *string) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pairroom host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(flags.EnvFile); err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			applyServeFlags(cfg, cmd, flags)
			return runServe(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&flags.Addr, "addr", "", "Listen address (default: 127.0.0.1:7070)")
	cmd.Flags().StringVar(&flags.Database, "database", "", "Path to the SQLite store (default: ~/.pairroom/pairroom.db)")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	cmd.Flags().StringVar(&flags.LogFile, "log-file", "", "Write JSON logs to this file instead of the console")
	cmd.Flags().StringVar(&flags.EnvFile, "env-file", ".env", "Load environment variables from this file if it exists")
	cmd.Flags().BoolVar(&flags.Mdns, "mdns", false, "Advertise the host on the local network")
	return cmd
}

// applyServeFlags overlays explicitly set flags onto cfg.
func applyServeFlags(cfg *config.Config, cmd *cobra.Command, flags serveFlags) {
	if flags.Addr != "" {
		cfg.Addr = flags.Addr
	}
	if flags.Database != "" {
		cfg.Database = flags.Database
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.LogFile != "" {
		cfg.LogFile = flags.LogFile
	}
	if cmd.Flags().Changed("mdns") {
		cfg.MdnsEnabled = flags.Mdns
	}
}

func runServe(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logCloser, err := logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if cfg.JWTSecret == "" {
		return errors.New("a JWT secret is required: set PAIRROOM_JWT_SECRET or jwt_secret in the config file")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0700); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	tokens, err := auth.NewTokens([]byte(cfg.JWTSecret), cfg.TokenTTL(), store)
	if err != nil {
		return err
	}

	backend, err := llm.New(ctx, llm.Options{
		Provider:          cfg.AI.Provider,
		Model:             cfg.AI.Model,
		APIKey:            cfg.AI.APIKey,
		SystemInstruction: cfg.AI.SystemInstruction,
	})
	if err != nil {
		// The room still works without the assistant.
		fmt.Fprintf(stderr, "Warning: assistant disabled: %v\n", err)
		backend = nil
	}

	runtimes, err := runtimesFromConfig(cfg.Sandbox.Runtimes)
	if err != nil {
		return err
	}
	orchestrator := sandbox.NewOrchestrator(&sandbox.LocalProvisioner{
		BaseDir:     cfg.Sandbox.Workdir,
		PreviewHost: cfg.Sandbox.PreviewHost,
	}, sandbox.Options{
		Runtimes:     runtimes,
		OutputLines:  cfg.Sandbox.OutputLines,
		ReadyTimeout: cfg.ReadyTimeout(),
	})

	srv := server.New(cfg.Addr, server.Deps{
		Store:     store,
		Tokens:    tokens,
		Sandbox:   orchestrator,
		Backend:   backend,
		Assistant: mediator.Options{Marker: cfg.AI.Marker, Timeout: cfg.AITimeout()},
	})
	if err := <-srv.StartAsync(); err != nil {
		return err
	}
	addr := srv.Addr()

	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		advertiser = mdns.NewAdvertiser(mdns.Config{Port: portOf(addr), URL: cfg.PublicURL})
		if err := advertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start mDNS discovery: %v\n", err)
		} else {
			fmt.Fprintln(stdout, "mDNS discovery: ENABLED (visible on LAN)")
		}
	}

	fmt.Fprintf(stdout, "pairroom %s listening on http://%s\n", Version, addr)
	fmt.Fprintf(stdout, "Connect to ws://%s/ws?projectId=<project>&token=<token> to join a room.\n", addr)

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go purgeRevokedTokens(purgeCtx, store)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
	case <-ctx.Done():
	}

	// Cleanup in reverse order of creation
	if advertiser != nil {
		advertiser.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "Warning: shutdown incomplete: %v\n", err)
	}
	return nil
}

// runtimesFromConfig turns the config's runtime table into sandbox runtimes.
func runtimesFromConfig(entries []config.RuntimeConfig) ([]sandbox.Runtime, error) {
	runtimes := make([]sandbox.Runtime, 0, len(entries))
	for i, e := range entries {
		if e.Manifest == "" {
			return nil, fmt.Errorf("sandbox.runtimes[%d]: manifest is required", i)
		}
		start := sandbox.ParseCommand(e.Start)
		if len(start) == 0 {
			return nil, fmt.Errorf("sandbox.runtimes[%d] (%s): start command is required", i, e.Manifest)
		}
		runtimes = append(runtimes, sandbox.Runtime{
			Manifest: e.Manifest,
			Install:  sandbox.ParseCommand(e.Install),
			Start:    start,
		})
	}
	return runtimes, nil
}

// portOf extracts the port from a host:port address, or 7070.
func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err == nil {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
			return p
		}
	}
	return 7070
}

func purgeRevokedTokens(ctx context.Context, store *storage.SQLiteStore) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		if n, err := store.PurgeExpiredTokens(time.Now()); err != nil {
			log.Warn().Err(err).Msg("purge expired revocations failed")
		} else if n > 0 {
			log.Debug().Int64("purged", n).Msg("expired revocations purged")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
