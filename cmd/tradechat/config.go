package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowReveal bool

// configKeys lists every key 'config set' accepts, in help order.
var configKeys = []struct {
	key, help string
}{
	{"default.base_url", "REST base URL of the marketplace"},
	{"default.realtime_url", "websocket endpoint (default: <base_url>/ws)"},
	{"auth.token", "session token sent on every request and on connect"},
	{"auth.user.id", "local user id, used to tell own messages apart"},
	{"auth.user.username", "local username"},
	{"auth.user.display_name", "local display name"},
	{"log.level", "debug, info, warn, error or off"},
	{"log.pretty", "true for console output instead of JSON"},
}

func validConfigKeys() string {
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = k.key
	}
	return strings.Join(names, ", ")
}

func configSetHelp() string {
	var b strings.Builder
	b.WriteString("Set a configuration value using dot notation.\n\nKeys:\n")
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-24s %s\n", k.key, k.help)
	}
	b.WriteString("\nExample: tradechat config set default.realtime_url wss://chat.example.com/ws")
	return b.String()
}

// renderConfig marshals cfg for display. The token is masked unless reveal.
func renderConfig(cfg *Config, reveal bool) ([]byte, error) {
	shown := *cfg
	if !reveal && shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	return toml.Marshal(shown)
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Print the token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tradechat configuration",
	Long:  "View or modify the tradechat CLI configuration stored in ~/.tradechat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'tradechat init <base-url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		cfg, err := parseConfig(data)
		if err != nil {
			return fmt.Errorf("invalid config file %s: %w", path, err)
		}
		out, err := renderConfig(cfg, configShowReveal)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  configSetHelp(),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
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
