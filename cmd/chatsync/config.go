package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/sveturs/chatsync"
)

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored, without env overrides")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print every setting with the value chatsync will use and where it comes from:\n" +
		"the config file, a CHATSYNC_* environment variable or the built-in default.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return showConfigFile()
		}

		file, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		effective, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		entries := describeConfig(file, effective)
		if jsonOutput {
			return printJSON(entries)
		}
		for _, e := range entries {
			fmt.Printf("%-18s %-40s (%s)\n", e.Key, e.Value, e.Source)
		}
		return nil
	},
}

// configEntry is one resolved setting as shown by `config show`.
type configEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// describeConfig resolves each key against the file contents and the
// env-overlaid config. The token is always masked.
func describeConfig(file, effective *Config) []configEntry {
	source := func(inFile, inEffective, def string) (string, string) {
		switch {
		case inEffective != inFile:
			return inEffective, "env"
		case inFile != "":
			return inFile, "file"
		default:
			return def, "default"
		}
	}
	itoa := func(n int64) string {
		if n == 0 {
			return ""
		}
		return strconv.FormatInt(n, 10)
	}

	var entries []configEntry
	add := func(key, inFile, inEffective, def string) {
		v, src := source(inFile, inEffective, def)
		entries = append(entries, configEntry{Key: key, Value: v, Source: src})
	}

	add("default.base_url", file.Default.BaseURL, effective.Default.BaseURL, chatsync.DefaultBaseURL)
	add("default.ws_path", file.Default.WSPath, effective.Default.WSPath, chatsync.DefaultWebSocketPath)
	add("default.page_size", itoa(int64(file.Default.PageSize)), itoa(int64(effective.Default.PageSize)),
		strconv.Itoa(chatsync.DefaultPageSize))
	add("auth.token", file.Auth.Token, effective.Auth.Token, "")
	add("auth.user_id", itoa(file.Auth.UserID), itoa(effective.Auth.UserID), "")

	for i := range entries {
		switch {
		case entries[i].Key == "auth.token" && entries[i].Value != "":
			entries[i].Value = maskKey(entries[i].Value)
		case entries[i].Value == "":
			entries[i].Value = "(not set)"
		}
	}
	return entries
}

func showConfigFile() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'chatsync login <token>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://svetu.rs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Env overrides must not leak into the file.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
