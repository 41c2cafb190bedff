package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
)

// Commands here work on the session directory and need no daemon.

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the session config",
	}

	var self, wsURL, apiURL string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config.toml for the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := session.ConfigPath(opts.Session)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := config.Default()
			cfg.SelfID = self
			if wsURL != "" {
				cfg.Server.WSURL = wsURL
			}
			if apiURL != "" {
				cfg.Server.APIURL = apiURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := session.EnsureDir(opts.Session); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "put the bearer token in %s\n", session.TokenPath(opts.Session))
			return nil
		},
	}
	initCmd.Flags().StringVar(&self, "self", "", "your user id")
	initCmd.Flags().StringVar(&wsURL, "ws-url", "", "real-time endpoint")
	initCmd.Flags().StringVar(&apiURL, "api-url", "", "request/response base URL")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	_ = initCmd.MarkFlagRequired("self")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := session.ConfigPath(opts.Session)
			cfg, err := config.Load(path)
			if errors.Is(err, os.ErrNotExist) {
				cfg = config.Default()
			} else if err != nil {
				return err
			}
			return output(cmd, opts, cfg, func(w io.Writer) {
				fmt.Fprintf(w, "# %s\n", path)
				_ = config.Write(w, cfg)
			})
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newOwnerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "owner",
		Short: "Show which daemon holds the session lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := lock.Read(session.Dir(opts.Session))
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no daemon running for session %q", opts.Session)
			}
			if err != nil {
				return err
			}
			return output(cmd, opts, owner, func(w io.Writer) {
				fmt.Fprintf(w, "PID:     %d\n", owner.PID)
				fmt.Fprintf(w, "Self:    %s\n", owner.SelfID)
				fmt.Fprintf(w, "Started: %s\n", owner.Started)
			})
		},
	}
}
