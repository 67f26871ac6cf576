package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginUserID int64

func init() {
	loginCmd.Flags().Int64Var(&loginUserID, "user-id", 0, "Your marketplace user id (enables unread counting for pushes)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token",
	Long:  "Store a marketplace session token in ~/.chatsync/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if loginUserID != 0 {
			cfg.Auth.UserID = loginUserID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		fmt.Printf("  Token:   %s\n", maskKey(token))
		if cfg.Auth.UserID != 0 {
			fmt.Printf("  User ID: %d\n", cfg.Auth.UserID)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
