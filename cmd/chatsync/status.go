package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/sveturs/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and fetch the live unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Printf("  WS path:   %s\n", valueOrDefault(cfg.Default.WSPath, "(default)"))
		if cfg.Default.PageSize > 0 {
			fmt.Printf("  Page size: %d\n", cfg.Default.PageSize)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:     (not set)")
			return nil
		}
		fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		if cfg.Auth.UserID != 0 {
			fmt.Printf("  User ID:   %d\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  User ID:   (not set)")
		}

		s, err := newSession(cfg)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		unread, err := s.Client().Messages.UnreadCount(ctx)
		if err != nil {
			if chatsync.IsUnauthorized(err) {
				fmt.Println("  Session:   EXPIRED (run 'chatsync login <token>')")
				return nil
			}
			fmt.Printf("  Error:     %v\n", err)
			return nil
		}
		fmt.Println("  Session:   valid")
		fmt.Printf("  Unread:    %d\n", unread)
		return nil
	},
}
