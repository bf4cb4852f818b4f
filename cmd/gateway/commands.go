package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vineguard-gateway/internal/auth"
	"vineguard-gateway/internal/config"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for a configured user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			am := auth.NewAuthManager(cfg.Auth, cfg.Simulator.Allotment)
			owner, err := am.Owner(userID)
			if err != nil {
				return err
			}
			token, err := am.GenerateJWT(owner)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for auth.users[].password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redact(*cfg))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

const masked = "********"

func redact(cfg config.Config) config.Config {
	if cfg.Auth.JWTSecret != "" {
		cfg.Auth.JWTSecret = masked
	}
	if cfg.Influx.Token != "" {
		cfg.Influx.Token = masked
	}
	if cfg.MQTT.Password != "" {
		cfg.MQTT.Password = masked
	}
	users := make([]config.User, len(cfg.Auth.Users))
	for i, u := range cfg.Auth.Users {
		u.PasswordHash = masked
		users[i] = u
	}
	cfg.Auth.Users = users
	return cfg
}
