package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairroom/host/internal/auth"
	"github.com/pairroom/host/internal/config"
	"github.com/pairroom/host/internal/storage"
)

// tokenCmd issues a token for a registered user without going through
// /users/login. It is meant for scripting and local testing.
func tokenCmd(configPath *string) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "token <email>",
		Short: "Issue an access token for a registered user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("a JWT secret is required: set PAIRROOM_JWT_SECRET or jwt_secret in the config file")
			}

			store, err := storage.NewSQLiteStore(cfg.Database)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			user, err := store.GetUserByEmail(args[0])
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("no user registered with email %s", storage.NormalizeEmail(args[0]))
			}

			tokens, err := auth.NewTokens([]byte(cfg.JWTSecret), cfg.TokenTTL(), store)
			if err != nil {
				return err
			}
			token, exp, err := tokens.Issue(user.ID, user.Email)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "User %s (%s), expires %s\n", user.Email, user.ID, exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Load environment variables from this file if it exists")
	return cmd
}
