package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leandrotocalini/wagate/internal/config"
	"github.com/leandrotocalini/wagate/internal/whatsapp"
)

func sessionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the stored WhatsApp session",
	}
	cmd.AddCommand(sessionClearCmd(configPath))
	return cmd
}

func sessionClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete stored credentials so the next start pairs again",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			path := whatsapp.SessionPath(cfg.Session.Dir, cfg.Session.ClientID)
			if err := whatsapp.ClearSession(cfg.Session.Dir, cfg.Session.ClientID); err != nil {
				return fmt.Errorf("clear session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🗑  Session %s cleared (%s)\n", cfg.Session.ClientID, path)
			return nil
		},
	}
}
