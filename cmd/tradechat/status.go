package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration (file plus environment), then fetch live account info and unread totals.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if ws, err := realtimeURL(cfg); err == nil {
			fmt.Printf("  Realtime URL: %s\n", ws)
		}
		fmt.Printf("  Log level:    %s\n", valueOrDefault(cfg.Log.Level, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.User.ID != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.User.Username)
			fmt.Printf("  User ID:  %s\n", cfg.Auth.User.ID)
		} else {
			fmt.Println("  Username: (not logged in)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := newClient(cfg, cfg.Auth.Token)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", apiError(err))
			return nil
		}
		fmt.Printf("  Username:      %s\n", me.Username)
		fmt.Printf("  Display Name:  %s\n", valueOrDefault(me.DisplayName, "-"))
		if me.ID != cfg.Auth.User.ID {
			fmt.Println("  (token belongs to a different user than the stored record; run 'tradechat login' again)")
		}

		list, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", apiError(err))
			return nil
		}
		unread := 0
		for _, c := range list {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(list))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
