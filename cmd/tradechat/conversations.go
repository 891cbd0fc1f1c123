package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// start
	startJSON bool

	// send
	sendJSON bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := client.ListConversations(ctx)
		if err != nil {
			return apiError(err)
		}

		if conversationsJSON {
			return printJSON(list)
		}

		shown := 0
		for _, c := range list {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s: %s%s\n", c.ID, c.OtherParticipant.Name(), unread)
			if c.LastMessageText != "" {
				fmt.Printf("      %s  %s\n", formatTime(c.LastMessageTime), c.LastMessageText)
			}
			shown++
		}
		if shown == 0 {
			fmt.Println("No conversations found.")
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.FetchHistory(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			who := "them"
			if m.SenderID == cfg.Auth.User.ID {
				who = "me"
			}
			fmt.Printf("  [%s] %-4s %s\n", formatTime(m.Timestamp), who, m.Text)
		}
		return nil
	},
}

// ============================================================================
// start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open a conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.StartConversation(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		if startJSON {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conv.OtherParticipant.Name())
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message without opening a live session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, args[0], args[1])
		if err != nil {
			return apiError(err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last N messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	startCmd.Flags().BoolVar(&startJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd, messagesCmd, startCmd, sendCmd)
}
