package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/console"
)

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd, console.WithoutCache())
			if err != nil {
				return err
			}
			defer c.Close()
			return printJSON(cmd.OutOrStdout(), c.User)
		},
	}
}

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login <session-token>",
		Short: "Verify a session token and store it in the configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.SessionToken = args[0]

			c, err := a.openConfig(cmd, cfg, console.WithoutCache())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := storeToken(a.configPath, args[0], c.Logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", c.User.Email, c.User.Role)
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd, console.WithoutCache())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Logout(cmd.Context()); err != nil {
				c.Logger.Warn("Logout request failed, clearing the local token anyway", zap.Error(err))
			}
			if err := storeToken(a.configPath, "", c.Logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

// storeToken rewrites the configuration file with token, keeping the other settings
func storeToken(path, token string, logger *zap.Logger) error {
	loader, err := config.NewLoader(path, logger)
	if err != nil {
		return err
	}
	defer loader.Stop()

	if _, err := loader.Load(); err != nil {
		return err
	}
	return loader.UpdateConfigAtomic(func(cfg *config.Config) (*config.Config, error) {
		cfg.SessionToken = token
		return cfg, nil
	})
}
