package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initRealtimeURL string

func init() {
	initCmd.Flags().StringVar(&initRealtimeURL, "realtime-url", "", "Websocket endpoint (default: <base-url>/ws)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the marketplace API address in ~/.tradechat/config.toml",
	Long:  "Initialize the tradechat CLI by storing the API base URL, and optionally the websocket endpoint, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return fmt.Errorf("base URL must start with http:// or https://")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		if initRealtimeURL != "" {
			cfg.Default.RealtimeURL = initRealtimeURL
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
